// Package session defines the session lifecycle observed on the console
// stream and the metadata recorded for each turn.
//
// A Session is announced by the agent when the first turn starts and may be
// resumed under a new identifier, which branches the conversation. Turns
// always belong to a session.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session captures session lifecycle state.
	//
	// Contract:
	// - Session IDs are assigned by the agent and reported on the stream.
	// - Resuming under a new ID creates a new session whose BranchedFrom is
	//   the original ID. The original session is left untouched.
	// - Ended sessions are terminal.
	Session struct {
		// ID is the identifier reported by the agent.
		ID string
		// Status is the current session lifecycle state.
		Status SessionStatus
		// Model is the model announced at initialization, if any.
		Model string
		// BranchedFrom is the session this one was resumed from.
		BranchedFrom string
		// CreatedAt records when the session was first observed.
		CreatedAt time.Time
		// EndedAt is set when the session is ended.
		EndedAt *time.Time
	}

	// TurnMeta captures the metadata of one consumed turn.
	TurnMeta struct {
		// TurnID identifies the turn.
		TurnID string
		// SessionID is the session active when the turn ended.
		SessionID string
		// Status indicates the current lifecycle state.
		Status TurnStatus
		// Subtype is the result subtype reported by the agent.
		Subtype string
		// NumTurns is the agent turn count reported by the result.
		NumTurns int
		// StartedAt records when the turn began.
		StartedAt time.Time
		// UpdatedAt records when the metadata was last updated.
		UpdatedAt time.Time
		// Labels stores caller-provided labels.
		Labels map[string]string
	}

	// Store persists session lifecycle state and turn metadata.
	Store interface {
		// CreateSession creates (or returns) an active session.
		//
		// Contract:
		// - Idempotent for active sessions: returns the existing session.
		// - Returns ErrSessionEnded when the session exists but is terminal.
		CreateSession(ctx context.Context, sess Session) (Session, error)
		// LoadSession loads an existing session.
		// Returns ErrSessionNotFound when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent: ending an already-ended session returns the stored session.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

		// UpsertTurn inserts or updates turn metadata.
		UpsertTurn(ctx context.Context, turn TurnMeta) error
		// LoadTurn loads turn metadata. Returns ErrTurnNotFound when missing.
		LoadTurn(ctx context.Context, turnID string) (TurnMeta, error)
		// ListTurnsBySession lists turns for the given session. When statuses
		// is non-empty, only turns whose status matches one of the provided
		// values are returned.
		ListTurnsBySession(ctx context.Context, sessionID string, statuses []TurnStatus) ([]TurnMeta, error)
	}

	// SessionStatus represents the lifecycle state of a session.
	SessionStatus string

	// TurnStatus represents the lifecycle state of a turn.
	TurnStatus string
)

const (
	// StatusActive indicates the session accepts new turns.
	StatusActive SessionStatus = "active"
	// StatusEnded indicates the session is terminal.
	StatusEnded SessionStatus = "ended"

	// TurnStatusRunning indicates the turn is being consumed.
	TurnStatusRunning TurnStatus = "running"
	// TurnStatusCompleted indicates the turn ended with a result.
	TurnStatusCompleted TurnStatus = "completed"
	// TurnStatusFailed indicates the stream failed.
	TurnStatusFailed TurnStatus = "failed"
	// TurnStatusCanceled indicates the user canceled the turn.
	TurnStatusCanceled TurnStatus = "canceled"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates a session exists but is ended.
	ErrSessionEnded = errors.New("session ended")
	// ErrTurnNotFound indicates turn metadata does not exist in the store.
	ErrTurnNotFound = errors.New("turn not found")
)
