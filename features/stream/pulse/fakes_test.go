package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/agentconsole/console/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		addErr  error
		// addHook runs before each Add and fails it when it returns an error.
		addHook func(ctx context.Context) error
		closed  bool
	}

	fakeStream struct {
		client  *fakeClient
		mu      sync.Mutex
		entries []fakeEntry
		sink    *fakeSink
	}

	fakeEntry struct {
		Event   string
		Payload []byte
	}

	fakeSink struct {
		name   string
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream(name), nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{client: c}
		c.streams[name] = s
	}
	return s
}

func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	s.client.mu.Lock()
	err, hook := s.client.addErr, s.client.addHook
	s.client.mu.Unlock()
	if err != nil {
		return "", err
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, fakeEntry{Event: event, Payload: append([]byte(nil), payload...)})
	return fmt.Sprintf("%d-0", len(s.entries)), nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = &fakeSink{name: name, ch: make(chan *streaming.Event, 8)}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) snapshot() []fakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeEntry(nil), s.entries...)
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, ev.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func decodeEntry(t *testing.T, e fakeEntry) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(e.Payload, &env))
	require.Equal(t, e.Event, string(env.Type))
	return env
}
