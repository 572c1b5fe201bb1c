// Package assembler turns the typed events of one conversation flow into
// messages held by a message.Store. An Assembler is single-threaded: it is
// driven by the consumer goroutine of the turn it belongs to.
package assembler

import (
	"context"
	"errors"
	"time"

	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/message"
	"github.com/agentconsole/console/runtime/console/telemetry"
)

type (
	// State is the phase of the flow being assembled.
	State string

	// ToolObserver is notified when a tool block starts. Observers must be
	// idempotent: a re-announced block is reported again.
	ToolObserver func(ctx context.Context, inv message.ToolInvocation)

	// Assembler applies events to a message.Store.
	Assembler struct {
		store   *message.Store
		tracker *blockTracker
		log     telemetry.Logger
		now     func() time.Time
		onTool  ToolObserver

		state  State
		active string
	}

	// Option configures an Assembler.
	Option func(*Assembler)
)

const (
	// StateEmpty is the state before any message exists.
	StateEmpty State = "empty"
	// StateAssembling is the state while a message receives content.
	StateAssembling State = "assembling"
	// StateFinalized is the terminal state of a completed flow.
	StateFinalized State = "finalized"
	// StateAborted is the terminal state of a failed or canceled flow.
	StateAborted State = "aborted"
)

// WithLogger sets the logger used for absorbed errors.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// WithClock overrides the clock used to stamp block entries.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithToolObserver registers fn to be called when a tool block starts.
func WithToolObserver(fn ToolObserver) Option {
	return func(a *Assembler) { a.onTool = fn }
}

// New returns an Assembler writing to store.
func New(store *message.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store: store,
		log:   telemetry.NewNoopLogger(),
		now:   time.Now,
		state: StateEmpty,
	}
	for _, o := range opts {
		o(a)
	}
	a.tracker = newBlockTracker(store, a.log, a.now)
	return a
}

// Store returns the store the assembler writes to.
func (a *Assembler) Store() *message.Store { return a.store }

// State returns the current phase.
func (a *Assembler) State() State { return a.state }

// Terminal reports whether the flow was finalized or aborted.
func (a *Assembler) Terminal() bool {
	return a.state == StateFinalized || a.state == StateAborted
}

// Active returns the id of the message receiving content, if any.
func (a *Assembler) Active() string { return a.active }

// Handle applies ev. Events received after the flow reached a terminal state
// are ignored. Returned errors come from the store and leave the flow usable.
func (a *Assembler) Handle(ctx context.Context, ev event.Event) error {
	if a.Terminal() {
		a.log.Debug(ctx, "ignoring event after finalization", "state", string(a.state))
		return nil
	}
	switch ev := ev.(type) {
	case event.MessageStart:
		return a.begin(ctx, ev.MessageID, roleOf(ev.Role))
	case event.BlockStart:
		if err := a.ensure(ctx); err != nil {
			return err
		}
		e, err := a.tracker.start(ctx, ev)
		if err != nil {
			return err
		}
		if e != nil && e.Kind == event.KindTool {
			a.observeTool(ctx, e)
		}
		return nil
	case event.BlockDelta:
		if err := a.ensure(ctx); err != nil {
			return err
		}
		return a.tracker.delta(ctx, ev)
	case event.BlockStop:
		a.tracker.stop(ctx, ev.Index)
		return nil
	case event.MessageStop:
		for idx := range a.tracker.blocks {
			a.tracker.stop(ctx, idx)
		}
		return nil
	case event.ToolResult:
		return a.attachResult(ctx, ev)
	case event.LegacyComplete:
		return a.reconcile(ctx, ev)
	case event.TurnResult:
		if ev.Success() {
			return a.finish(ctx, StateFinalized, message.StateFinalized, "")
		}
		return a.finish(ctx, StateFinalized, message.StateFinalized, resultAnnotation(ev))
	case event.StreamError:
		if ev.Err != nil && errors.Is(ev.Err, context.Canceled) {
			return a.Cancel(ctx)
		}
		return a.finish(ctx, StateAborted, message.StateAborted, errorAnnotation(ev))
	case event.SessionInit, event.SessionResumed:
		return nil
	default:
		a.log.Debug(ctx, "ignoring unsupported event")
		return nil
	}
}

// Finalize completes the flow as if a successful result had been received.
func (a *Assembler) Finalize(ctx context.Context) error {
	if a.Terminal() {
		return nil
	}
	return a.finish(ctx, StateFinalized, message.StateFinalized, "")
}

// Abort ends the flow after a failure. The cause is appended to the current
// message as an error annotation unless it is a cancellation.
func (a *Assembler) Abort(ctx context.Context, cause error) error {
	if a.Terminal() {
		return nil
	}
	if errors.Is(cause, context.Canceled) {
		return a.Cancel(ctx)
	}
	return a.finish(ctx, StateAborted, message.StateAborted, errorAnnotation(event.StreamError{Err: cause}))
}

// Cancel ends the flow silently, keeping the content received so far.
func (a *Assembler) Cancel(ctx context.Context) error {
	if a.Terminal() {
		return nil
	}
	return a.finish(ctx, StateAborted, message.StateAborted, "")
}

// begin opens a new message, implicitly finalizing the active one.
func (a *Assembler) begin(ctx context.Context, id string, role message.Role) error {
	if id != "" && id == a.active {
		return nil
	}
	if a.active != "" {
		if err := a.store.FinalizeMessage(a.active, message.StateFinalized); err != nil {
			a.log.Warn(ctx, "failed to finalize previous message", "message", a.active, "err", err)
		}
	}
	m, err := a.store.CreateMessage(id, role)
	if errors.Is(err, message.ErrMessageExists) {
		a.log.Warn(ctx, "message id reused, allocating a new one", "message", id)
		m, err = a.store.CreateMessage("", role)
	}
	if err != nil {
		return err
	}
	a.active = m.ID
	a.tracker.reset(m.ID)
	a.state = StateAssembling
	a.store.SetTurnInProgress(true)
	return nil
}

// ensure lazily opens an assistant message when content arrives without a
// preceding message start.
func (a *Assembler) ensure(ctx context.Context) error {
	if a.active != "" {
		return nil
	}
	return a.begin(ctx, "", message.RoleAssistant)
}

func (a *Assembler) attachResult(ctx context.Context, ev event.ToolResult) error {
	err := a.store.UpdateTool(ev.InvocationID, func(inv *message.ToolInvocation) {
		inv.Executing = false
		inv.IsError = ev.IsError
		inv.Result = ev.Result
	})
	if errors.Is(err, message.ErrInvocationNotFound) || errors.Is(err, message.ErrMessageFinalized) {
		a.log.Debug(ctx, "dropping tool result", "id", ev.InvocationID, "err", err)
		return nil
	}
	return err
}

// finish annotates and closes the active message and clears the in progress
// indicator.
func (a *Assembler) finish(ctx context.Context, st State, ms message.State, annotation string) error {
	var errs []error
	if annotation != "" {
		if err := a.ensure(ctx); err != nil {
			errs = append(errs, err)
		} else if _, err := a.store.AppendAnnotation(a.active, annotation); err != nil {
			errs = append(errs, err)
		}
	}
	if a.active != "" {
		if err := a.store.FinalizeMessage(a.active, ms); err != nil {
			errs = append(errs, err)
		}
	}
	a.tracker.reset("")
	a.state = st
	a.store.SetTurnInProgress(false)
	return errors.Join(errs...)
}

func (a *Assembler) observeTool(ctx context.Context, e *blockEntry) {
	if a.onTool == nil {
		return
	}
	a.onTool(ctx, message.ToolInvocation{
		ID:        e.invocationID,
		Name:      e.name,
		Input:     e.args.parsed,
		RawInput:  e.args.raw,
		Executing: true,
	})
}

func roleOf(role string) message.Role {
	if role == string(message.RoleUser) {
		return message.RoleUser
	}
	return message.RoleAssistant
}
