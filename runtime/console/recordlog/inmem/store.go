// Package inmem provides an in-memory implementation of recordlog.Store.
//
// The in-memory store is intended for tests and local replays. It is not
// durable.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/agentconsole/console/runtime/console/recordlog"
)

// Store implements recordlog.Store in memory.
type Store struct {
	mu      sync.Mutex
	records map[string][]*recordlog.Record
}

// New returns an empty in-memory record store.
func New() *Store {
	return &Store{records: make(map[string][]*recordlog.Record)}
}

// Append implements recordlog.Store. IDs are the 1-based position of the
// record within its turn.
func (s *Store) Append(_ context.Context, r *recordlog.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = strconv.Itoa(len(s.records[r.TurnID]) + 1)
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	s.records[r.TurnID] = append(s.records[r.TurnID], &cp)
	return nil
}

// List implements recordlog.Store.
func (s *Store) List(_ context.Context, turnID string, cursor string, limit int) (recordlog.Page, error) {
	if turnID == "" {
		return recordlog.Page{}, errors.New("turn id is required")
	}
	if limit <= 0 {
		return recordlog.Page{}, errors.New("limit must be > 0")
	}
	var start int
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return recordlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[turnID]
	if start >= len(all) {
		return recordlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := recordlog.Page{Records: make([]*recordlog.Record, 0, end-start)}
	for _, r := range all[start:end] {
		cp := *r
		cp.Data = append([]byte(nil), r.Data...)
		page.Records = append(page.Records, &cp)
	}
	if end < len(all) {
		page.NextCursor = page.Records[len(page.Records)-1].ID
	}
	return page, nil
}

// Len returns the number of records logged for turnID.
func (s *Store) Len(turnID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[turnID])
}
