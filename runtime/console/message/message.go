// Package message defines the conversation data model assembled from the
// event stream and the Store that publishes it to renderers.
//
// Messages are ordered by creation. Within a message, parts carry an Order
// assigned when they are created; parts are appended or mutated in place and
// never reordered. A message in a terminal state is immutable.
package message

import "time"

type (
	// Role is the author of a message.
	Role string

	// PartKind identifies the payload carried by a Part.
	PartKind string

	// State is the lifecycle state of a message.
	State string

	// Message is one turn of a conversation.
	Message struct {
		ID    string `json:"id" yaml:"id"`
		Role  Role   `json:"role" yaml:"role"`
		Parts []Part `json:"parts" yaml:"parts"`
		// Order is the creation position of the message in its store.
		Order     int       `json:"order" yaml:"order"`
		State     State     `json:"state" yaml:"state"`
		CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	}

	// Part is one content unit of a message.
	Part struct {
		ID    string   `json:"id" yaml:"id"`
		Kind  PartKind `json:"kind" yaml:"kind"`
		Order int      `json:"order" yaml:"order"`
		// Content accumulates text and thinking payloads.
		Content string `json:"content,omitempty" yaml:"content,omitempty"`
		// Tool is set for PartTool parts.
		Tool *ToolInvocation `json:"tool,omitempty" yaml:"tool,omitempty"`
		// Annotation marks text parts synthesized by the console to explain
		// an abnormal turn outcome.
		Annotation bool `json:"annotation,omitempty" yaml:"annotation,omitempty"`
	}

	// ToolInvocation is the state of a tool call. Input and Result are
	// replaced wholesale on update and must not be mutated in place.
	ToolInvocation struct {
		ID   string `json:"id" yaml:"id"`
		Name string `json:"name" yaml:"name"`
		// Input is the latest successfully parsed argument object.
		Input any `json:"input,omitempty" yaml:"input,omitempty"`
		// RawInput is the latest argument snapshot as received, parsed or
		// not.
		RawInput string `json:"raw_input,omitempty" yaml:"raw_input,omitempty"`
		// Executing is true until a matching tool result is observed.
		Executing bool `json:"executing" yaml:"executing"`
		IsError   bool `json:"is_error,omitempty" yaml:"is_error,omitempty"`
		Result    any  `json:"result,omitempty" yaml:"result,omitempty"`
	}
)

const (
	// RoleUser authors user messages.
	RoleUser Role = "user"
	// RoleAssistant authors assistant messages.
	RoleAssistant Role = "assistant"
)

const (
	// PartText is visible text.
	PartText PartKind = "text"
	// PartThinking is reasoning content.
	PartThinking PartKind = "thinking"
	// PartTool is a tool invocation.
	PartTool PartKind = "tool"
)

const (
	// StateAssembling is the state of a message still receiving content.
	StateAssembling State = "assembling"
	// StateFinalized is the terminal state of a completed message.
	StateFinalized State = "finalized"
	// StateAborted is the terminal state of a message cut short by a
	// failure.
	StateAborted State = "aborted"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// Text returns the concatenated content of the non-annotation text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText && !p.Annotation {
			out += p.Content
		}
	}
	return out
}

// Part returns the part with the given id.
func (m Message) Part(id string) (Part, bool) {
	for _, p := range m.Parts {
		if p.ID == id {
			return p, true
		}
	}
	return Part{}, false
}

func (m *Message) clone() Message {
	out := *m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p.clone()
	}
	return out
}

func (p Part) clone() Part {
	if p.Tool != nil {
		tool := *p.Tool
		p.Tool = &tool
	}
	return p
}
