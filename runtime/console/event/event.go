// Package event defines the closed set of typed events interpreted by the
// console stream consumer. Records are converted exactly once at the decode
// boundary (see Decode); nothing downstream handles loosely typed payloads.
package event

import "encoding/json"

type (
	// Event is implemented only by the variants declared in this package.
	Event interface {
		// Parent returns the tool invocation id of the nested conversation
		// the event belongs to, or "" for the primary conversation.
		Parent() string
		isEvent()
	}

	// Kind identifies a content block kind.
	Kind string

	// Envelope carries the routing metadata shared by all variants.
	Envelope struct {
		// ParentToolUseID is set when the event belongs to a sub-agent
		// conversation spawned by that tool invocation.
		ParentToolUseID string
		// SessionID is the session the record was emitted under, if any.
		SessionID string
	}

	// SessionInit announces a newly initialized session. The identifier is
	// Envelope.SessionID.
	SessionInit struct {
		Envelope
		Model string
	}

	// SessionResumed announces that the conversation continues under a new
	// session identifier branched from OriginalSessionID.
	SessionResumed struct {
		Envelope
		OriginalSessionID string
		NewSessionID      string
	}

	// MessageStart opens a new assistant message.
	MessageStart struct {
		Envelope
		MessageID string
		Role      string
	}

	// BlockStart opens the content block at Index.
	BlockStart struct {
		Envelope
		Index int
		Kind  Kind
		// BlockID is the tool invocation id for tool blocks.
		BlockID string
		// Name is the tool name for tool blocks.
		Name string
		// Snapshot is the initial content: text, thinking or the serialized
		// tool arguments.
		Snapshot string
	}

	// BlockDelta extends the block at Index. For text and thinking blocks
	// Payload is a fragment to append; for tool blocks it is a complete
	// snapshot of the arguments serialized so far.
	BlockDelta struct {
		Envelope
		Index   int
		Kind    Kind
		Payload string
	}

	// BlockStop closes the block at Index.
	BlockStop struct {
		Envelope
		Index int
	}

	// MessageStop closes the in-flight message. The turn continues.
	MessageStop struct {
		Envelope
	}

	// ToolResult reports the outcome of a tool invocation.
	ToolResult struct {
		Envelope
		InvocationID string
		Result       any
		IsError      bool
	}

	// LegacyComplete delivers a whole message in one unit.
	LegacyComplete struct {
		Envelope
		MessageID string
		Role      string
		Blocks    []Block
	}

	// Block is one content block of a LegacyComplete message.
	Block struct {
		Kind Kind
		// ID is the block identity used for reconciliation. Tool blocks carry
		// the invocation id; text and thinking blocks usually have none.
		ID   string
		Text string
		Name string
		// Input is the serialized tool arguments.
		Input json.RawMessage
	}

	// TurnResult terminates a turn.
	TurnResult struct {
		Envelope
		Subtype string
		IsError bool
		// Result is the final summary text reported by the agent.
		Result            string
		NumTurns          int
		PermissionDenials []PermissionDenial
	}

	// PermissionDenial describes a tool call the user did not authorize.
	PermissionDenial struct {
		ToolName  string
		ToolUseID string
	}

	// StreamError reports a failure of the stream. Err is set when the
	// failure originates locally (transport read error, cancellation).
	StreamError struct {
		Envelope
		Message string
		Err     error
	}
)

const (
	// KindText is visible assistant text.
	KindText Kind = "text"
	// KindThinking is reasoning content.
	KindThinking Kind = "thinking"
	// KindTool is a tool invocation.
	KindTool Kind = "tool"
)

const (
	// SubtypeSuccess is the TurnResult subtype of a normal completion.
	SubtypeSuccess = "success"
	// SubtypeMaxTurns reports that the turn limit was reached.
	SubtypeMaxTurns = "error_max_turns"
	// SubtypeExecutionError reports an error raised while executing the turn.
	SubtypeExecutionError = "error_during_execution"
)

// Parent implements Event.
func (e Envelope) Parent() string { return e.ParentToolUseID }

// Session returns the session id the record was emitted under.
func (e Envelope) Session() string { return e.SessionID }

func (SessionInit) isEvent()    {}
func (SessionResumed) isEvent() {}
func (MessageStart) isEvent()   {}
func (BlockStart) isEvent()     {}
func (BlockDelta) isEvent()     {}
func (BlockStop) isEvent()      {}
func (MessageStop) isEvent()    {}
func (ToolResult) isEvent()     {}
func (LegacyComplete) isEvent() {}
func (TurnResult) isEvent()     {}
func (StreamError) isEvent()    {}

// Success reports whether the turn completed normally.
func (r TurnResult) Success() bool {
	return (r.Subtype == SubtypeSuccess || r.Subtype == "") && !r.IsError && len(r.PermissionDenials) == 0
}

// Valid reports whether k is one of the known block kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindThinking, KindTool:
		return true
	default:
		return false
	}
}
