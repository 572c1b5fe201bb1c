// Package recordlog keeps an append-only log of the raw SSE records consumed
// by a turn.
//
// Records are stored verbatim, including the ones that failed to decode, so a
// turn can be replayed byte-for-byte through a new consumer. Reader turns a
// logged turn back into a text/event-stream body.
package recordlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

type (
	// Record is one SSE record consumed by a turn.
	//
	// Store implementations assign the ID when persisting the record. IDs are
	// opaque, ordered within a turn and usable as List cursors.
	Record struct {
		// ID is the store-assigned identifier.
		ID string
		// TurnID identifies the turn that consumed the record.
		TurnID string
		// SessionID is the session active when the record was consumed.
		SessionID string
		// Seq is the 1-based position of the record in the turn.
		Seq int
		// Event is the SSE event name, empty when absent.
		Event string
		// Data is the record payload, not necessarily valid JSON.
		Data []byte
		// Timestamp is the time the record was consumed.
		Timestamp time.Time
	}

	// Page is a forward page of records.
	Page struct {
		// Records are ordered oldest-first.
		Records []*Record
		// NextCursor is empty when there are no further records.
		NextCursor string
	}

	// Store is an append-only record store.
	Store interface {
		// Append stores r and sets its ID.
		Append(ctx context.Context, r *Record) error
		// List returns the page of records of turnID following cursor. An
		// empty cursor starts at the first record. Limit must be positive.
		List(ctx context.Context, turnID string, cursor string, limit int) (Page, error)
	}

	// Reader renders the records of a turn as a text/event-stream body,
	// fetching pages lazily.
	Reader struct {
		ctx      context.Context
		store    Store
		turnID   string
		pageSize int
		cursor   string
		done     bool
		buf      bytes.Buffer
	}
)

// DefaultPageSize is the page size used by NewReader when none is given.
const DefaultPageSize = 100

// Validate reports the first missing required field of r.
func (r *Record) Validate() error {
	switch {
	case r == nil:
		return errors.New("record is required")
	case r.TurnID == "":
		return errors.New("turn id is required")
	case r.Seq <= 0:
		return errors.New("seq must be > 0")
	case r.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

// NewReader returns a Reader over the records of turnID. pageSize defaults
// to DefaultPageSize when not positive.
func NewReader(ctx context.Context, store Store, turnID string, pageSize int) *Reader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reader{ctx: ctx, store: store, turnID: turnID, pageSize: pageSize}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	return r.buf.Read(p)
}

func (r *Reader) fill() error {
	page, err := r.store.List(r.ctx, r.turnID, r.cursor, r.pageSize)
	if err != nil {
		return err
	}
	for _, rec := range page.Records {
		Frame(&r.buf, rec)
	}
	r.cursor = page.NextCursor
	r.done = page.NextCursor == ""
	return nil
}

// Frame writes rec to buf in the SSE wire format. Multi-line data is split
// into one "data:" line per line.
func Frame(buf *bytes.Buffer, rec *Record) {
	if rec.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(rec.Event)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(rec.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
}
