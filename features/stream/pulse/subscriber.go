package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/agentconsole/console/features/stream/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client clientspulse.Client
		// SinkName names the Pulse consumer group. Defaults to
		// "console_renderer".
		SinkName string
		// Buffer is the capacity of the envelope channel. Defaults to 64.
		Buffer int
	}

	// Subscriber reads the envelopes published on console streams, for
	// renderers running in another process than the turn consumer.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a Subscriber reading through opts.Client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, name: opts.SinkName, buffer: opts.Buffer}
	if s.name == "" {
		s.name = "console_renderer"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	return s, nil
}

// Subscribe opens a consumer on streamID. Envelopes are delivered in stream
// order and acknowledged once handed out. Both channels are closed when the
// consumer stops: after the returned cancel function is called, ctx is
// canceled, the sink closes or a failure was reported on the error channel.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	return out, errs, func() {
		cancel()
		sink.Close(context.WithoutCancel(ctx))
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	in := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			env, err := decodeEnvelope(ev.Payload)
			if err != nil {
				errs <- fmt.Errorf("decode console envelope %s: %w", ev.ID, err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, ev); err != nil {
				errs <- fmt.Errorf("ack console envelope %s: %w", ev.ID, err)
				return
			}
		}
	}
}
