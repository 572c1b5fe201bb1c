package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed indicates a record whose payload is not valid JSON.
	ErrMalformed = errors.New("malformed record")
	// ErrUnknownEvent indicates a well-formed record whose shape is not part
	// of the protocol (unknown type, stream event or block kind).
	ErrUnknownEvent = errors.New("unknown event")
)

type (
	wireRecord struct {
		Type              string          `json:"type"`
		Subtype           string          `json:"subtype"`
		SessionID         string          `json:"session_id"`
		ParentToolUseID   *string         `json:"parent_tool_use_id"`
		Model             string          `json:"model"`
		OriginalSessionID string          `json:"original_session_id"`
		NewSessionID      string          `json:"new_session_id"`
		Event             json.RawMessage `json:"event"`
		Message           *wireMessage    `json:"message"`
		IsError           bool            `json:"is_error"`
		Result            string          `json:"result"`
		NumTurns          int             `json:"num_turns"`
		PermissionDenials []wireDenial    `json:"permission_denials"`
		Error             json.RawMessage `json:"error"`
	}

	wireMessage struct {
		ID      string          `json:"id"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	wireStreamEvent struct {
		Type         string       `json:"type"`
		Index        int          `json:"index"`
		Message      *wireMessage `json:"message"`
		ContentBlock *wireBlock   `json:"content_block"`
		Delta        *wireDelta   `json:"delta"`
	}

	wireBlock struct {
		Type      string          `json:"type"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}

	wireDelta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	}

	wireDenial struct {
		ToolName  string `json:"tool_name"`
		ToolUseID string `json:"tool_use_id"`
	}
)

// Decode converts the data of one SSE record into typed events. A record may
// yield zero events (ignored protocol chatter such as pings), one event, or
// several (a user message carrying multiple tool results). Errors wrap
// ErrMalformed or ErrUnknownEvent; callers log and skip them.
func Decode(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var rec wireRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	env := Envelope{SessionID: rec.SessionID}
	if rec.ParentToolUseID != nil {
		env.ParentToolUseID = *rec.ParentToolUseID
	}
	switch rec.Type {
	case "system":
		return decodeSystem(env, rec)
	case "stream_event":
		return decodeStreamEvent(env, rec.Event)
	case "assistant":
		return decodeMessage(env, rec.Message, "assistant")
	case "user":
		return decodeMessage(env, rec.Message, "user")
	case "result":
		return []Event{decodeResult(env, rec)}, nil
	case "error":
		return []Event{StreamError{Envelope: env, Message: errorMessage(rec.Error)}}, nil
	case "keep_alive", "ping":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownEvent, rec.Type)
	}
}

func decodeSystem(env Envelope, rec wireRecord) ([]Event, error) {
	switch rec.Subtype {
	case "init":
		return []Event{SessionInit{Envelope: env, Model: rec.Model}}, nil
	case "session_resumed":
		newID := rec.NewSessionID
		if newID == "" {
			newID = rec.SessionID
		}
		return []Event{SessionResumed{
			Envelope:          env,
			OriginalSessionID: rec.OriginalSessionID,
			NewSessionID:      newID,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: system subtype %q", ErrUnknownEvent, rec.Subtype)
	}
}

func decodeStreamEvent(env Envelope, raw json.RawMessage) ([]Event, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: stream_event without event", ErrMalformed)
	}
	var se wireStreamEvent
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch se.Type {
	case "message_start":
		ev := MessageStart{Envelope: env, Role: "assistant"}
		if se.Message != nil {
			ev.MessageID = se.Message.ID
			if se.Message.Role != "" {
				ev.Role = se.Message.Role
			}
		}
		return []Event{ev}, nil
	case "content_block_start":
		if se.ContentBlock == nil {
			return nil, fmt.Errorf("%w: content_block_start without content_block", ErrMalformed)
		}
		kind, ok := blockKind(se.ContentBlock.Type)
		if !ok {
			return nil, fmt.Errorf("%w: block kind %q", ErrUnknownEvent, se.ContentBlock.Type)
		}
		ev := BlockStart{Envelope: env, Index: se.Index, Kind: kind}
		switch kind {
		case KindText:
			ev.Snapshot = se.ContentBlock.Text
		case KindThinking:
			ev.Snapshot = se.ContentBlock.Thinking
		case KindTool:
			ev.BlockID = se.ContentBlock.ID
			ev.Name = se.ContentBlock.Name
			ev.Snapshot = rawSnapshot(se.ContentBlock.Input)
		}
		return []Event{ev}, nil
	case "content_block_delta":
		if se.Delta == nil {
			return nil, fmt.Errorf("%w: content_block_delta without delta", ErrMalformed)
		}
		switch se.Delta.Type {
		case "text_delta":
			return []Event{BlockDelta{Envelope: env, Index: se.Index, Kind: KindText, Payload: se.Delta.Text}}, nil
		case "thinking_delta":
			return []Event{BlockDelta{Envelope: env, Index: se.Index, Kind: KindThinking, Payload: se.Delta.Thinking}}, nil
		case "input_json_delta":
			return []Event{BlockDelta{Envelope: env, Index: se.Index, Kind: KindTool, Payload: se.Delta.PartialJSON}}, nil
		case "signature_delta", "citations_delta":
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: delta type %q", ErrUnknownEvent, se.Delta.Type)
		}
	case "content_block_stop":
		return []Event{BlockStop{Envelope: env, Index: se.Index}}, nil
	case "message_stop":
		return []Event{MessageStop{Envelope: env}}, nil
	case "message_delta", "ping":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: stream event %q", ErrUnknownEvent, se.Type)
	}
}

// decodeMessage handles non-streaming assistant and user messages. Tool
// results become ToolResult events; remaining blocks form a LegacyComplete.
func decodeMessage(env Envelope, msg *wireMessage, role string) ([]Event, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: %s record without message", ErrMalformed, role)
	}
	if msg.Role != "" {
		role = msg.Role
	}
	blocks, err := contentBlocks(msg.Content)
	if err != nil {
		return nil, err
	}
	var (
		out    []Event
		legacy []Block
	)
	for _, b := range blocks {
		if b.Type == "tool_result" {
			out = append(out, ToolResult{
				Envelope:     env,
				InvocationID: b.ToolUseID,
				Result:       decodeAny(b.Content),
				IsError:      b.IsError,
			})
			continue
		}
		kind, ok := blockKind(b.Type)
		if !ok {
			continue
		}
		blk := Block{Kind: kind, ID: b.ID}
		switch kind {
		case KindText:
			blk.Text = b.Text
		case KindThinking:
			blk.Text = b.Thinking
		case KindTool:
			blk.Name = b.Name
			blk.Input = b.Input
		}
		legacy = append(legacy, blk)
	}
	if len(legacy) > 0 {
		out = append([]Event{LegacyComplete{Envelope: env, MessageID: msg.ID, Role: role, Blocks: legacy}}, out...)
	}
	return out, nil
}

func decodeResult(env Envelope, rec wireRecord) TurnResult {
	res := TurnResult{
		Envelope: env,
		Subtype:  rec.Subtype,
		IsError:  rec.IsError,
		Result:   rec.Result,
		NumTurns: rec.NumTurns,
	}
	for _, d := range rec.PermissionDenials {
		res.PermissionDenials = append(res.PermissionDenials, PermissionDenial(d))
	}
	return res
}

// contentBlocks accepts both the array form and the plain string shorthand
// used by user messages.
func contentBlocks(raw json.RawMessage) ([]wireBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []wireBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("%w: content: %w", ErrMalformed, err)
	}
	return blocks, nil
}

func blockKind(t string) (Kind, bool) {
	switch t {
	case "text":
		return KindText, true
	case "thinking", "redacted_thinking":
		return KindThinking, true
	case "tool_use", "server_tool_use":
		return KindTool, true
	default:
		return "", false
	}
}

func rawSnapshot(raw json.RawMessage) string {
	s := string(bytes.TrimSpace(raw))
	if s == "null" {
		return ""
	}
	return s
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "stream error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
