package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/telemetry"
)

type (
	// ChangeKind identifies a session lifecycle notification.
	ChangeKind string

	// Change describes a session lifecycle notification.
	Change struct {
		Kind ChangeKind
		// SessionID is the session active after the change.
		SessionID string
		// PreviousID is the session active before the change, if any.
		PreviousID string
		// Branched is true when the conversation now continues under a
		// session distinct from the one it was resumed from.
		Branched bool
	}

	// Observer is notified of every session change. Observers run on the
	// consumer goroutine.
	Observer func(ctx context.Context, c Change)

	// Tracker follows the session lifecycle events of the primary
	// conversation. It never touches message content.
	Tracker struct {
		store    Store
		log      telemetry.Logger
		now      func() time.Time
		observer Observer

		mu       sync.RWMutex
		active   string
		branched bool
	}

	// TrackerOption configures a Tracker.
	TrackerOption func(*Tracker)
)

const (
	// ChangeInitialized reports a newly initialized session.
	ChangeInitialized ChangeKind = "initialized"
	// ChangeResumed reports a session resumed under a new identifier.
	ChangeResumed ChangeKind = "resumed"
)

// WithStore records the observed sessions in s.
func WithStore(s Store) TrackerOption {
	return func(t *Tracker) { t.store = s }
}

// WithObserver registers o.
func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) { t.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a Tracker. initial is the session the console believes
// is active before the stream starts, or "".
func NewTracker(initial string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		log:    telemetry.NewNoopLogger(),
		now:    time.Now,
		active: initial,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Active returns the active session id.
func (t *Tracker) Active() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Branched reports whether the active session was branched by a resume.
func (t *Tracker) Branched() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.branched
}

// Handle applies session lifecycle events and reports whether ev was one.
// Store failures are logged: session bookkeeping never interrupts a turn.
func (t *Tracker) Handle(ctx context.Context, ev event.Event) bool {
	switch ev := ev.(type) {
	case event.SessionInit:
		if ev.SessionID == "" {
			t.log.Debug(ctx, "ignoring session init without id")
			return true
		}
		prev := t.swap(ev.SessionID, false)
		t.record(ctx, Session{ID: ev.SessionID, Model: ev.Model})
		t.notify(ctx, Change{Kind: ChangeInitialized, SessionID: ev.SessionID, PreviousID: prev})
		return true
	case event.SessionResumed:
		next := ev.NewSessionID
		if next == "" {
			next = ev.OriginalSessionID
		}
		if next == "" {
			t.log.Debug(ctx, "ignoring session resume without id")
			return true
		}
		branched := ev.OriginalSessionID != "" && next != ev.OriginalSessionID
		prev := t.swap(next, branched)
		sess := Session{ID: next}
		if branched {
			sess.BranchedFrom = ev.OriginalSessionID
		}
		t.record(ctx, sess)
		t.log.Info(ctx, "session resumed", "original", ev.OriginalSessionID, "session", next, "branched", branched)
		t.notify(ctx, Change{Kind: ChangeResumed, SessionID: next, PreviousID: prev, Branched: branched})
		return true
	default:
		return false
	}
}

func (t *Tracker) swap(id string, branched bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.active
	t.active = id
	t.branched = branched
	return prev
}

func (t *Tracker) record(ctx context.Context, sess Session) {
	if t.store == nil {
		return
	}
	sess.CreatedAt = t.now()
	if _, err := t.store.CreateSession(ctx, sess); err != nil {
		t.log.Warn(ctx, "failed to record session", "session", sess.ID, "err", err)
	}
}

func (t *Tracker) notify(ctx context.Context, c Change) {
	if t.observer != nil {
		t.observer(ctx, c)
	}
}
