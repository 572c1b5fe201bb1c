// Package pulse publishes console conversation state to goa.design/pulse
// streams and reads it back. Each session gets its own stream; entries are
// JSON envelopes carrying either a store snapshot or the outcome of a turn.
package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentconsole/console/runtime/console/message"
)

type (
	// EventType names the kind of payload an Envelope carries.
	EventType string

	// Envelope is the entry published on a console stream.
	Envelope struct {
		Type      EventType       `json:"type"`
		SessionID string          `json:"session_id,omitempty"`
		TurnID    string          `json:"turn_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	// TurnOutcome is the payload of EventTurnEnded envelopes.
	TurnOutcome struct {
		State    string `json:"state"`
		Subtype  string `json:"subtype,omitempty"`
		NumTurns int    `json:"num_turns,omitempty"`
		Error    string `json:"error,omitempty"`
		Events   int    `json:"events"`
		Skipped  int    `json:"skipped,omitempty"`
	}

	// Target identifies the conversation a publication belongs to.
	Target struct {
		SessionID string
		TurnID    string
	}
)

const (
	// EventSnapshot carries a message.Snapshot.
	EventSnapshot EventType = "snapshot"
	// EventTurnEnded carries a TurnOutcome.
	EventTurnEnded EventType = "turn_ended"
)

// Snapshot decodes the payload of an EventSnapshot envelope.
func (e Envelope) Snapshot() (message.Snapshot, error) {
	var snap message.Snapshot
	if e.Type != EventSnapshot {
		return snap, fmt.Errorf("envelope is %q, not %q", e.Type, EventSnapshot)
	}
	err := json.Unmarshal(e.Payload, &snap)
	return snap, err
}

// Outcome decodes the payload of an EventTurnEnded envelope.
func (e Envelope) Outcome() (TurnOutcome, error) {
	var out TurnOutcome
	if e.Type != EventTurnEnded {
		return out, fmt.Errorf("envelope is %q, not %q", e.Type, EventTurnEnded)
	}
	err := json.Unmarshal(e.Payload, &out)
	return out, err
}

// DefaultStreamID names the stream of a session "console/<session>". Turns
// published before the agent reported a session use "console/turn/<turn>".
func DefaultStreamID(t Target) (string, error) {
	switch {
	case t.SessionID != "":
		return "console/" + t.SessionID, nil
	case t.TurnID != "":
		return "console/turn/" + t.TurnID, nil
	default:
		return "", errors.New("target has neither session nor turn id")
	}
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, errors.New("envelope missing type")
	}
	return env, nil
}
