// Package pulse wraps the Redis-backed Pulse streams the console publishes
// conversation snapshots to. Callers own the Redis connection: they build it,
// hand it to New and close it once every stream is done.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen caps the entries retained per stream. Zero keeps the
		// Pulse default.
		StreamMaxLen int
		// StreamOptions returns extra options for the named stream. It is
		// called once per Stream call.
		StreamOptions func(name string) []streamopts.Stream
		// OperationTimeout bounds each Add. Zero disables the timeout.
		OperationTimeout time.Duration
	}

	// Client opens console streams.
	Client interface {
		// Stream returns the named stream, creating it on first use.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Ping checks the Redis connection.
		Ping(ctx context.Context) error
		// Close releases client resources. The Redis connection is left open.
		Close(ctx context.Context) error
	}

	// Stream is one Pulse stream, usually one per console session.
	Stream interface {
		// Add appends an entry and returns the id Redis assigned to it.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy removes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a Stream.
	Sink interface {
		// Subscribe returns the channel entries are delivered on.
		Subscribe() <-chan *streaming.Event
		// Ack marks an entry processed.
		Ack(context.Context, *streaming.Event) error
		// Close stops the consumer.
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		optsFn  func(name string) []streamopts.Stream
		timeout time.Duration
	}

	stream struct {
		name    string
		pulse   *streaming.Stream
		timeout time.Duration
	}

	sink struct {
		*streaming.Sink
	}
)

// New returns a client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		optsFn:  opts.StreamOptions,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.optsFn != nil {
		all = append(all, c.optsFn(name)...)
	}
	all = append(all, opts...)
	s, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("pulse: open stream %q: %w", name, err)
	}
	return &stream{name: name, pulse: s, timeout: c.timeout}, nil
}

func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Close(context.Context) error {
	return nil
}

func (s *stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("pulse: event name is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.pulse.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse: add to %q: %w", s.name, err)
	}
	return id, nil
}

func (s *stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	snk, err := s.pulse.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse: open sink %q on %q: %w", name, s.name, err)
	}
	return sink{Sink: snk}, nil
}

func (s *stream) Destroy(ctx context.Context) error {
	return s.pulse.Destroy(ctx)
}

// Close stops the underlying Pulse sink.
func (s sink) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
