// Package subagent isolates the nested conversations spawned by tool
// invocations. Each task keyed by its parent tool invocation id owns a
// message store and an assembler, so nested content never reaches the
// primary conversation.
package subagent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentconsole/console/runtime/console/assembler"
	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/message"
	"github.com/agentconsole/console/runtime/console/telemetry"
)

type (
	// Task is a snapshot of one nested conversation.
	Task struct {
		ParentID  string            `json:"parent_id" yaml:"parent_id"`
		SessionID string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
		Messages  []message.Message `json:"messages" yaml:"messages"`
		Done      bool              `json:"done" yaml:"done"`
		CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
		UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
	}

	// Router dispatches events carrying a parent tool invocation id to the
	// flow of that invocation. It is safe for concurrent use: the consumer
	// routes while renderers query flows.
	Router struct {
		log        telemetry.Logger
		now        func() time.Time
		spawnTools map[string]struct{}

		mu    sync.Mutex
		tasks map[string]*task
		order []string
	}

	// Option configures a Router.
	Option func(*Router)

	task struct {
		parentID  string
		sessionID string
		store     *message.Store
		asm       *assembler.Assembler
		createdAt time.Time
		updatedAt time.Time
	}
)

var errTaskFailed = errors.New("sub-agent task failed")

// DefaultSpawnTools lists the tool names that start a nested conversation.
var DefaultSpawnTools = []string{"Task", "Agent"}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithClock overrides the clock used to stamp tasks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSpawnTools replaces the tool names registering a task eagerly.
func WithSpawnTools(names ...string) Option {
	return func(r *Router) {
		r.spawnTools = make(map[string]struct{}, len(names))
		for _, n := range names {
			r.spawnTools[n] = struct{}{}
		}
	}
}

// NewRouter returns an empty Router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		log:   telemetry.NewNoopLogger(),
		now:   time.Now,
		tasks: make(map[string]*task),
	}
	WithSpawnTools(DefaultSpawnTools...)(r)
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterTask creates the task for parentID if it does not exist. A non
// empty sessionID is recorded on an existing task that has none.
func (r *Router) RegisterTask(parentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.taskLocked(parentID)
	if t.sessionID == "" {
		t.sessionID = sessionID
	}
}

// Route applies ev to the flow of its parent invocation. It reports false,
// leaving ev untouched, for events of the primary conversation.
func (r *Router) Route(ctx context.Context, ev event.Event) bool {
	parent := ev.Parent()
	if parent == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.taskLocked(parent)
	if sid := sessionOf(ev); sid != "" && t.sessionID == "" {
		t.sessionID = sid
	}
	if err := t.asm.Handle(ctx, ev); err != nil {
		r.log.Warn(ctx, "sub-agent event not applied", "parent", parent, "err", err)
	}
	t.updatedAt = r.now()
	return true
}

// ObserveTool registers a task when a spawning tool starts on the primary
// conversation. It has the assembler.ToolObserver signature.
func (r *Router) ObserveTool(ctx context.Context, inv message.ToolInvocation) {
	if inv.ID == "" {
		return
	}
	if _, ok := r.spawnTools[inv.Name]; !ok {
		return
	}
	r.log.Debug(ctx, "registering sub-agent task", "parent", inv.ID, "tool", inv.Name)
	r.RegisterTask(inv.ID, "")
}

// ObserveResult finalizes the flow of the task spawned by the invocation the
// primary conversation just received a result for.
func (r *Router) ObserveResult(ctx context.Context, ev event.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[ev.InvocationID]
	if !ok {
		return
	}
	var err error
	if ev.IsError {
		err = t.asm.Abort(ctx, errTaskFailed)
	} else {
		err = t.asm.Finalize(ctx)
	}
	if err != nil {
		r.log.Warn(ctx, "sub-agent flow not finalized", "parent", ev.InvocationID, "err", err)
	}
	t.updatedAt = r.now()
}

// Close ends every open flow. A cancellation cause ends them silently; any
// other non nil cause aborts them.
func (r *Router) Close(ctx context.Context, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		t := r.tasks[id]
		var err error
		if cause == nil {
			err = t.asm.Finalize(ctx)
		} else {
			err = t.asm.Abort(ctx, cause)
		}
		if err != nil {
			r.log.Warn(ctx, "sub-agent flow not closed", "parent", id, "err", err)
		}
	}
}

// Flow returns the messages of the task spawned by parentID, or nil.
func (r *Router) Flow(parentID string) []message.Message {
	r.mu.Lock()
	t, ok := r.tasks[parentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return t.store.Messages()
}

// Store returns the message store of the task spawned by parentID so callers
// can subscribe to it.
func (r *Router) Store(parentID string) (*message.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[parentID]
	if !ok {
		return nil, false
	}
	return t.store, true
}

// ClearTask removes the task spawned by parentID.
func (r *Router) ClearTask(parentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[parentID]; !ok {
		return
	}
	delete(r.tasks, parentID)
	for i, id := range r.order {
		if id == parentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Tasks returns a snapshot of every task in registration order.
func (r *Router) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		t := r.tasks[id]
		out = append(out, Task{
			ParentID:  t.parentID,
			SessionID: t.sessionID,
			Messages:  t.store.Messages(),
			Done:      t.asm.Terminal(),
			CreatedAt: t.createdAt,
			UpdatedAt: t.updatedAt,
		})
	}
	return out
}

func (r *Router) taskLocked(parentID string) *task {
	if t, ok := r.tasks[parentID]; ok {
		return t
	}
	store := message.NewStore(message.WithClock(r.now))
	now := r.now()
	t := &task{
		parentID:  parentID,
		store:     store,
		asm:       assembler.New(store, assembler.WithLogger(r.log), assembler.WithClock(r.now)),
		createdAt: now,
		updatedAt: now,
	}
	r.tasks[parentID] = t
	r.order = append(r.order, parentID)
	return t
}

func sessionOf(ev event.Event) string {
	if s, ok := ev.(interface{ Session() string }); ok {
		return s.Session()
	}
	return ""
}
