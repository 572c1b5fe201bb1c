package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	clientspulse "github.com/agentconsole/console/features/stream/pulse/clients/pulse"
	"github.com/agentconsole/console/runtime/console/message"
	"github.com/agentconsole/console/runtime/console/telemetry"
	"github.com/agentconsole/console/runtime/console/turn"
)

type (
	// Options configures a Publisher.
	Options struct {
		// Client publishes the envelopes. Required.
		Client clientspulse.Client
		// StreamID derives the stream of a target. Defaults to DefaultStreamID.
		StreamID func(Target) (string, error)
		// Interval is the minimum delay between two in-progress snapshots
		// published by a Watch. Defaults to 100ms.
		Interval time.Duration
		// Burst is the number of in-progress snapshots a Watch may publish
		// back to back. Defaults to 1.
		Burst int
		// Logger reports publication failures. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Now stamps envelopes. Defaults to time.Now.
		Now func() time.Time
	}

	// Publisher writes console envelopes to Pulse streams. It is safe for
	// concurrent use.
	Publisher struct {
		client   clientspulse.Client
		streamID func(Target) (string, error)
		interval time.Duration
		burst    int
		log      telemetry.Logger
		now      func() time.Time
	}

	// Watch publishes the snapshots committed to a message store. In-progress
	// snapshots are coalesced and throttled; a snapshot taken once the turn
	// is no longer in progress is published without delay, and the latest
	// snapshot is always published by Stop.
	Watch struct {
		pub     *Publisher
		target  func() Target
		limiter *rate.Limiter
		cancel  context.CancelFunc
		unsub   func()
		wake    chan struct{}
		done    chan struct{}
		ctx     context.Context

		mu        sync.Mutex
		pending   *message.Snapshot
		published uint64
		count     int
		failed    uint64
		lastErr   error
		stopOnce  sync.Once
		stopErr   error
	}
)

// NewPublisher returns a Publisher writing through opts.Client.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	p := &Publisher{
		client:   opts.Client,
		streamID: opts.StreamID,
		interval: opts.Interval,
		burst:    opts.Burst,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if p.streamID == nil {
		p.streamID = DefaultStreamID
	}
	if p.interval <= 0 {
		p.interval = 100 * time.Millisecond
	}
	if p.burst <= 0 {
		p.burst = 1
	}
	if p.log == nil {
		p.log = telemetry.NewNoopLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// PublishSnapshot publishes snap for t and returns the Redis entry id.
func (p *Publisher) PublishSnapshot(ctx context.Context, t Target, snap message.Snapshot) (string, error) {
	return p.publish(ctx, t, EventSnapshot, snap)
}

// PublishOutcome publishes how the turn t ended.
func (p *Publisher) PublishOutcome(ctx context.Context, t Target, out turn.Outcome) (string, error) {
	return p.publish(ctx, t, EventTurnEnded, OutcomeOf(out))
}

// OutcomeOf converts a turn outcome to its published form.
func OutcomeOf(out turn.Outcome) TurnOutcome {
	o := TurnOutcome{
		State:    string(out.State),
		Subtype:  out.Subtype,
		NumTurns: out.NumTurns,
		Events:   out.Events,
		Skipped:  out.Skipped,
	}
	if out.Err != nil {
		o.Error = out.Err.Error()
	}
	return o
}

// Close releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

func (p *Publisher) publish(ctx context.Context, t Target, typ EventType, payload any) (string, error) {
	name, err := p.streamID(t)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(Envelope{
		Type:      typ,
		SessionID: t.SessionID,
		TurnID:    t.TurnID,
		Timestamp: p.now().UTC(),
		Payload:   body,
	})
	if err != nil {
		return "", err
	}
	str, err := p.client.Stream(name)
	if err != nil {
		return "", err
	}
	return str.Add(ctx, string(typ), raw)
}

// Watch starts publishing the snapshots committed to store. target is
// evaluated at each publication so a session reported mid-turn is picked
// up. The watch ends when Stop is called or ctx is canceled; Stop must be
// called in both cases to flush the latest snapshot.
func (p *Publisher) Watch(ctx context.Context, store *message.Store, target func() Target) *Watch {
	runCtx, cancel := context.WithCancel(ctx)
	w := &Watch{
		pub:     p,
		target:  target,
		limiter: rate.NewLimiter(rate.Every(p.interval), p.burst),
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
	}
	w.unsub = store.Subscribe(w.observe)
	go w.run(runCtx)
	return w
}

// Published returns the number of snapshots published so far.
func (w *Watch) Published() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Stop ends the watch and publishes the latest snapshot if it was not yet
// published. It returns the last publication failure when the latest
// snapshot could not be published. Later calls return the same error.
func (w *Watch) Stop() error {
	w.stopOnce.Do(func() {
		w.unsub()
		w.cancel()
		<-w.done
		w.flush(context.WithoutCancel(w.ctx))
		w.mu.Lock()
		if w.lastErr != nil && (w.count == 0 || w.failed > w.published) {
			w.stopErr = w.lastErr
		}
		w.mu.Unlock()
	})
	return w.stopErr
}

func (w *Watch) observe(snap message.Snapshot) {
	w.mu.Lock()
	w.pending = &snap
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		w.mu.Lock()
		pending := w.pending
		w.mu.Unlock()
		if pending == nil {
			continue
		}
		if pending.TurnInProgress {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}
		// Stop cancels ctx while a publication may be in flight; the
		// publication itself is bounded by the client timeout.
		w.flush(context.WithoutCancel(ctx))
	}
}

// flush publishes the pending snapshot, the latest committed one, unless
// it was already published. A snapshot that fails to publish is kept
// pending unless a newer one was committed meanwhile.
func (w *Watch) flush(ctx context.Context) {
	w.mu.Lock()
	snap := w.pending
	w.pending = nil
	if snap == nil || (w.count > 0 && snap.Version <= w.published) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	t := w.target()
	if _, err := w.pub.PublishSnapshot(ctx, t, *snap); err != nil {
		w.pub.log.Warn(ctx, "snapshot not published", "session", t.SessionID, "turn", t.TurnID, "version", snap.Version, "err", err)
		w.mu.Lock()
		if w.pending == nil {
			w.pending = snap
		}
		w.failed = snap.Version
		w.lastErr = err
		w.mu.Unlock()
		return
	}
	w.mu.Lock()
	w.published = snap.Version
	w.count++
	w.mu.Unlock()
}
