// Package inmem provides an in-memory implementation of session.Store.
//
// It backs the replay command and tests. Deployments that keep session
// history across restarts use features/session/mongo.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentconsole/console/runtime/console/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
		turns    map[string]session.TurnMeta
		now      func() time.Time
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.Session),
		turns:    make(map[string]session.TurnMeta),
		now:      time.Now,
	}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if sess.CreatedAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.ID]; ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		if existing.Model == "" && sess.Model != "" {
			existing.Model = sess.Model
			s.sessions[sess.ID] = existing
		}
		return cloneSession(existing), nil
	}

	out := session.Session{
		ID:           sess.ID,
		Status:       session.StatusActive,
		Model:        sess.Model,
		BranchedFrom: sess.BranchedFrom,
		CreatedAt:    sess.CreatedAt.UTC(),
	}
	s.sessions[sess.ID] = out
	return cloneSession(out), nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(existing), nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status == session.StatusEnded {
		return cloneSession(existing), nil
	}
	at := endedAt.UTC()
	existing.Status = session.StatusEnded
	existing.EndedAt = &at
	s.sessions[sessionID] = existing
	return cloneSession(existing), nil
}

// UpsertTurn implements session.Store.
func (s *Store) UpsertTurn(_ context.Context, turn session.TurnMeta) error {
	if turn.TurnID == "" {
		return errors.New("turn id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, ok := s.turns[turn.TurnID]
	if ok && !existing.StartedAt.IsZero() {
		if turn.StartedAt.IsZero() {
			turn.StartedAt = existing.StartedAt
		} else if !turn.StartedAt.Equal(existing.StartedAt) {
			return errors.New("started_at is immutable")
		}
	} else if turn.StartedAt.IsZero() {
		turn.StartedAt = now
	}
	turn.UpdatedAt = now

	s.turns[turn.TurnID] = cloneTurn(turn)
	return nil
}

// LoadTurn implements session.Store.
func (s *Store) LoadTurn(_ context.Context, turnID string) (session.TurnMeta, error) {
	if turnID == "" {
		return session.TurnMeta{}, errors.New("turn id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return session.TurnMeta{}, session.ErrTurnNotFound
	}
	return cloneTurn(turn), nil
}

// ListTurnsBySession implements session.Store. Turns are returned in start
// order.
func (s *Store) ListTurnsBySession(_ context.Context, sessionID string, statuses []session.TurnStatus) ([]session.TurnMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	var allowed map[session.TurnStatus]struct{}
	if len(statuses) > 0 {
		allowed = make(map[session.TurnStatus]struct{}, len(statuses))
		for _, st := range statuses {
			allowed[st] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.TurnMeta, 0, len(s.turns))
	for _, turn := range s.turns {
		if turn.SessionID != sessionID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[turn.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneTurn(turn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func cloneSession(in session.Session) session.Session {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	return out
}

func cloneTurn(in session.TurnMeta) session.TurnMeta {
	out := in
	if len(in.Labels) > 0 {
		out.Labels = make(map[string]string, len(in.Labels))
		for k, v := range in.Labels {
			out.Labels[k] = v
		}
	}
	return out
}
