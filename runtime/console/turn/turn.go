// Package turn drives the consumption of one assistant turn: it pulls SSE
// records from the response body, decodes them into events and dispatches
// them to the session tracker, the sub-agent router and the primary
// assembler. Consumed records can be appended to a record log for later
// replay. All per-turn state lives in a Turn value; nothing is shared
// between turns.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentconsole/console/runtime/console/assembler"
	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/message"
	"github.com/agentconsole/console/runtime/console/recordlog"
	"github.com/agentconsole/console/runtime/console/session"
	"github.com/agentconsole/console/runtime/console/sse"
	"github.com/agentconsole/console/runtime/console/subagent"
	"github.com/agentconsole/console/runtime/console/telemetry"
)

type (
	// State is the final state of a consumed turn.
	State string

	// Outcome summarizes how a turn ended.
	Outcome struct {
		State State
		// Subtype is the result subtype reported by the agent, if any.
		Subtype string
		// NumTurns is the agent turn count reported by the result.
		NumTurns int
		// Err is the failure or cancellation cause.
		Err error
		// Events counts the dispatched events.
		Events int
		// Skipped counts the records that could not be decoded.
		Skipped int
	}

	// Turn consumes the event stream of one assistant turn.
	Turn struct {
		id        string
		store     *message.Store
		asm       *assembler.Assembler
		router    *subagent.Router
		sessions  *session.Tracker
		turns     session.Store
		records   recordlog.Store
		tel       telemetry.Set
		chunkSize int
		labels    map[string]string

		mu        sync.Mutex
		started   bool
		cancel    context.CancelCauseFunc
		cancelled bool
	}

	// Option configures a Turn.
	Option func(*Turn)
)

const (
	// StateCompleted reports a successful result.
	StateCompleted State = "completed"
	// StateAbnormal reports a result with an abnormal subtype. The primary
	// message carries an annotation describing it.
	StateAbnormal State = "abnormal"
	// StateIncomplete reports a stream that ended without a result.
	StateIncomplete State = "incomplete"
	// StateFailed reports a transport or agent failure.
	StateFailed State = "failed"
	// StateCanceled reports a user cancellation.
	StateCanceled State = "canceled"
)

// ErrCanceled is the cause recorded when Cancel ends a turn.
var ErrCanceled = errors.New("turn canceled")

// WithID sets the turn identifier. Defaults to a random UUID.
func WithID(id string) Option {
	return func(t *Turn) { t.id = id }
}

// WithRouter sets the sub-agent router. Defaults to a new router.
func WithRouter(r *subagent.Router) Option {
	return func(t *Turn) { t.router = r }
}

// WithSessionTracker sets the session tracker. Defaults to a tracker with no
// initial session recording into the turn store, if any.
func WithSessionTracker(tr *session.Tracker) Option {
	return func(t *Turn) { t.sessions = tr }
}

// WithSessionStore records turn metadata and observed sessions in s.
func WithSessionStore(s session.Store) Option {
	return func(t *Turn) { t.turns = s }
}

// WithRecordLog appends every consumed SSE record to s, including the ones
// that fail to decode. Append failures are logged and do not end the turn.
func WithRecordLog(s recordlog.Store) Option {
	return func(t *Turn) { t.records = s }
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(s telemetry.Set) Option {
	return func(t *Turn) { t.tel = s }
}

// WithChunkSize sets the size of the reads issued against the body.
func WithChunkSize(n int) Option {
	return func(t *Turn) { t.chunkSize = n }
}

// WithLabels attaches labels to the recorded turn metadata.
func WithLabels(labels map[string]string) Option {
	return func(t *Turn) { t.labels = labels }
}

// New returns a Turn assembling the primary conversation into store.
func New(store *message.Store, opts ...Option) *Turn {
	t := &Turn{store: store}
	for _, o := range opts {
		o(t)
	}
	t.tel = t.tel.WithDefaults()
	if t.id == "" {
		t.id = uuid.NewString()
	}
	if t.router == nil {
		t.router = subagent.NewRouter(subagent.WithLogger(t.tel.Logger))
	}
	if t.sessions == nil {
		topts := []session.TrackerOption{session.WithLogger(t.tel.Logger)}
		if t.turns != nil {
			topts = append(topts, session.WithStore(t.turns))
		}
		t.sessions = session.NewTracker("", topts...)
	}
	t.asm = assembler.New(store,
		assembler.WithLogger(t.tel.Logger),
		assembler.WithToolObserver(t.router.ObserveTool),
	)
	return t
}

// ID returns the turn identifier.
func (t *Turn) ID() string { return t.id }

// Store returns the primary message store.
func (t *Turn) Store() *message.Store { return t.store }

// Router returns the sub-agent router.
func (t *Turn) Router() *subagent.Router { return t.router }

// Sessions returns the session tracker.
func (t *Turn) Sessions() *session.Tracker { return t.sessions }

// Cancel ends the turn silently. Content received so far is kept. Calling
// Cancel before Run makes Run return immediately; later calls are no-ops.
func (t *Turn) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.cancel != nil {
		t.cancel(ErrCanceled)
	}
}

// Run consumes src until the turn ends and returns how it ended. Stream
// failures are reported in the Outcome; the error is reserved for invalid
// use. When src implements io.Closer it is closed on cancellation so
// blocked reads return.
func (t *Turn) Run(ctx context.Context, src io.Reader) (Outcome, error) {
	if src == nil {
		return Outcome{}, errors.New("turn: nil source")
	}
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return Outcome{}, fmt.Errorf("turn %s: already started", t.id)
	}
	t.started = true
	ctx, cancel := context.WithCancelCause(ctx)
	t.cancel = cancel
	if t.cancelled {
		cancel(ErrCanceled)
	}
	t.mu.Unlock()
	defer cancel(nil)

	ctx, span := t.tel.Tracer.Start(ctx, "console.turn", trace.WithAttributes(attribute.String("console.turn_id", t.id)))
	defer span.End()
	if c, ok := src.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	started := time.Now()
	t.store.SetTurnInProgress(true)
	t.record(ctx, session.TurnStatusRunning, "", 0, started)
	t.tel.Logger.Debug(ctx, "turn started", "turn", t.id)

	reader := sse.NewReader(src, sse.WithChunkSize(t.chunkSize))
	var (
		out Outcome
		seq int
	)
	for {
		rec, err := reader.Next(ctx)
		if err != nil {
			if n := reader.Discarded(); n > 0 {
				t.tel.Logger.Debug(ctx, "discarded incomplete trailing record", "bytes", n)
			}
			t.stop(ctx, err, &out)
			break
		}
		seq++
		t.logRecord(ctx, rec, seq)
		evs, err := event.Decode(rec.Data)
		if err != nil {
			out.Skipped++
			t.tel.Metrics.IncCounter("console.records.skipped", 1)
			t.tel.Logger.Debug(ctx, "skipping record", "event", rec.Event, "err", err)
			continue
		}
		for _, ev := range evs {
			out.Events++
			t.dispatch(ctx, ev, &out)
		}
		if t.asm.Terminal() {
			break
		}
	}

	t.store.SetTurnInProgress(false)
	cleanup := context.WithoutCancel(ctx)
	t.router.Close(cleanup, closeCause(out))
	t.record(cleanup, out.State.turnStatus(), out.Subtype, out.NumTurns, started)
	t.tel.Metrics.IncCounter("console.events", float64(out.Events))
	t.tel.Metrics.IncCounter("console.turns", 1, "state", string(out.State))
	t.tel.Metrics.RecordTimer("console.turn.duration", time.Since(started), "state", string(out.State))
	switch out.State {
	case StateFailed:
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		t.tel.Logger.Warn(cleanup, "turn failed", "turn", t.id, "err", out.Err)
	default:
		span.SetStatus(codes.Ok, string(out.State))
		t.tel.Logger.Info(cleanup, "turn ended", "turn", t.id, "state", string(out.State), "subtype", out.Subtype, "events", out.Events, "skipped", out.Skipped)
	}
	return out, nil
}

func (t *Turn) logRecord(ctx context.Context, rec sse.Record, seq int) {
	if t.records == nil {
		return
	}
	err := t.records.Append(ctx, &recordlog.Record{
		TurnID:    t.id,
		SessionID: t.sessions.Active(),
		Seq:       seq,
		Event:     rec.Event,
		Data:      rec.Data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.tel.Metrics.IncCounter("console.records.unlogged", 1)
		t.tel.Logger.Warn(ctx, "record not logged", "turn", t.id, "seq", seq, "err", err)
	}
}

// dispatch hands ev to the component owning it. Nested events go to the
// sub-agent router, session events to the tracker, the rest to the primary
// assembler.
func (t *Turn) dispatch(ctx context.Context, ev event.Event, out *Outcome) {
	if t.router.Route(ctx, ev) {
		return
	}
	if t.sessions.Handle(ctx, ev) {
		return
	}
	switch ev := ev.(type) {
	case event.ToolResult:
		t.router.ObserveResult(ctx, ev)
	case event.TurnResult:
		out.Subtype = ev.Subtype
		out.NumTurns = ev.NumTurns
		out.State = StateCompleted
		if !ev.Success() {
			out.State = StateAbnormal
		}
	case event.StreamError:
		out.State = StateFailed
		out.Err = fmt.Errorf("agent error: %s", ev.Message)
		if ev.Err != nil {
			out.Err = ev.Err
		}
	}
	if err := t.asm.Handle(ctx, ev); err != nil {
		t.tel.Logger.Warn(ctx, "event not applied", "turn", t.id, "err", err)
	}
}

// stop finalizes the primary conversation after the stream ended before a
// terminal event.
func (t *Turn) stop(ctx context.Context, err error, out *Outcome) {
	cleanup := context.WithoutCancel(ctx)
	var ferr error
	switch {
	case canceled(ctx, err):
		out.State = StateCanceled
		out.Err = context.Cause(ctx)
		if out.Err == nil {
			out.Err = err
		}
		ferr = t.asm.Cancel(cleanup)
	case errors.Is(err, io.EOF):
		out.State = StateIncomplete
		t.tel.Logger.Warn(cleanup, "stream ended without a result", "turn", t.id)
		ferr = t.asm.Finalize(cleanup)
	default:
		out.State = StateFailed
		out.Err = err
		ferr = t.asm.Abort(cleanup, err)
	}
	if ferr != nil {
		t.tel.Logger.Warn(cleanup, "turn not finalized", "turn", t.id, "err", ferr)
	}
}

func (t *Turn) record(ctx context.Context, status session.TurnStatus, subtype string, numTurns int, started time.Time) {
	if t.turns == nil {
		return
	}
	meta := session.TurnMeta{
		TurnID:    t.id,
		SessionID: t.sessions.Active(),
		Status:    status,
		Subtype:   subtype,
		NumTurns:  numTurns,
		StartedAt: started,
		Labels:    t.labels,
	}
	if err := t.turns.UpsertTurn(ctx, meta); err != nil {
		t.tel.Logger.Warn(ctx, "failed to record turn", "turn", t.id, "err", err)
	}
}

// canceled reports whether the read stopped because the turn or its parent
// context was canceled, as opposed to a transport failure.
func canceled(ctx context.Context, err error) bool {
	if errors.Is(context.Cause(ctx), ErrCanceled) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func closeCause(out Outcome) error {
	switch out.State {
	case StateCanceled:
		return context.Canceled
	case StateFailed:
		return out.Err
	default:
		return nil
	}
}

func (s State) turnStatus() session.TurnStatus {
	switch s {
	case StateFailed:
		return session.TurnStatusFailed
	case StateCanceled:
		return session.TurnStatusCanceled
	default:
		return session.TurnStatusCompleted
	}
}
