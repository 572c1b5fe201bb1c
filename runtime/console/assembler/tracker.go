package assembler

import (
	"context"
	"sort"
	"time"

	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/message"
	"github.com/agentconsole/console/runtime/console/telemetry"
)

type (
	// blockEntry maps one content block index of the in-flight message to
	// the part it feeds.
	blockEntry struct {
		Index       int
		Kind        event.Kind
		MessageID   string
		PartID      string
		Completed   bool
		FirstSeen   time.Time
		LastUpdated time.Time

		// tool-only
		invocationID string
		name         string
		args         *toolArgs
	}

	// blockTracker owns the block entries of a single message. Entries stay
	// registered after stop so late duplicate starts for the same index do not
	// create a second part; they are dropped when the message changes.
	blockTracker struct {
		store *message.Store
		log   telemetry.Logger
		now   func() time.Time

		messageID string
		blocks    map[int]*blockEntry
		byBlockID map[string]*blockEntry
		maxIndex  int
	}
)

func newBlockTracker(store *message.Store, log telemetry.Logger, now func() time.Time) *blockTracker {
	t := &blockTracker{store: store, log: log, now: now}
	t.reset("")
	return t
}

// reset discards every entry and binds the tracker to messageID.
func (t *blockTracker) reset(messageID string) {
	t.messageID = messageID
	t.blocks = make(map[int]*blockEntry)
	t.byBlockID = make(map[string]*blockEntry)
	t.maxIndex = -1
}

// entry returns the block registered at index, if any.
func (t *blockTracker) entry(index int) (*blockEntry, bool) {
	e, ok := t.blocks[index]
	return e, ok
}

// entryByBlockID returns the tool block registered for the invocation id.
func (t *blockTracker) entryByBlockID(id string) (*blockEntry, bool) {
	if id == "" {
		return nil, false
	}
	e, ok := t.byBlockID[id]
	return e, ok
}

// ordered returns the registered entries by increasing index.
func (t *blockTracker) ordered() []*blockEntry {
	entries := make([]*blockEntry, 0, len(t.blocks))
	for _, e := range t.blocks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries
}

// nextIndex returns an index greater than every registered one.
func (t *blockTracker) nextIndex() int {
	return t.maxIndex + 1
}

// start registers the block and creates its part. Starting a registered
// index is a no-op; a tool block re-announced under another index is bound to
// the existing entry.
func (t *blockTracker) start(ctx context.Context, ev event.BlockStart) (*blockEntry, error) {
	if e, ok := t.blocks[ev.Index]; ok {
		if e.Kind != ev.Kind {
			t.log.Warn(ctx, "block index reannounced with another kind", "index", ev.Index, "kind", string(ev.Kind), "tracked", string(e.Kind))
		}
		return e, nil
	}
	if e, ok := t.entryByBlockID(ev.BlockID); ok {
		t.track(ev.Index, e)
		return e, nil
	}
	now := t.now()
	e := &blockEntry{
		Index:       ev.Index,
		Kind:        ev.Kind,
		MessageID:   t.messageID,
		FirstSeen:   now,
		LastUpdated: now,
	}
	switch ev.Kind {
	case event.KindText, event.KindThinking:
		kind := message.PartText
		if ev.Kind == event.KindThinking {
			kind = message.PartThinking
		}
		p, err := t.store.AddPart(t.messageID, "", kind, ev.Snapshot, nil)
		if err != nil {
			return nil, err
		}
		e.PartID = p.ID
	case event.KindTool:
		e.invocationID = ev.BlockID
		e.name = ev.Name
		e.args = newToolArgs()
		if !e.args.apply(ev.Snapshot) {
			t.log.Debug(ctx, "tool arguments not parseable yet", "tool", ev.Name, "id", ev.BlockID)
		}
		p, err := t.store.UpsertToolPart(t.messageID, ev.BlockID, message.ToolInvocation{
			ID:        ev.BlockID,
			Name:      ev.Name,
			Input:     e.args.parsed,
			RawInput:  e.args.raw,
			Executing: true,
		})
		if err != nil {
			return nil, err
		}
		e.PartID = p.ID
	default:
		t.log.Debug(ctx, "ignoring block of unknown kind", "index", ev.Index, "kind", string(ev.Kind))
		return nil, nil
	}
	t.track(ev.Index, e)
	if e.invocationID != "" {
		t.byBlockID[e.invocationID] = e
	}
	return e, nil
}

// delta extends the block at ev.Index. Deltas for an unknown index open the
// block first.
func (t *blockTracker) delta(ctx context.Context, ev event.BlockDelta) error {
	e, ok := t.blocks[ev.Index]
	if !ok {
		var err error
		e, err = t.start(ctx, event.BlockStart{Envelope: ev.Envelope, Index: ev.Index, Kind: ev.Kind})
		if err != nil || e == nil {
			return err
		}
	}
	if e.Completed {
		t.log.Debug(ctx, "ignoring delta for completed block", "index", ev.Index)
		return nil
	}
	if e.Kind != ev.Kind {
		t.log.Warn(ctx, "ignoring delta of mismatched kind", "index", ev.Index, "kind", string(ev.Kind), "tracked", string(e.Kind))
		return nil
	}
	e.LastUpdated = t.now()
	if e.Kind != event.KindTool {
		_, err := t.store.AppendTextFragment(t.messageID, e.PartID, ev.Payload)
		return err
	}
	if !e.args.apply(ev.Payload) {
		t.log.Debug(ctx, "tool arguments not parseable yet", "tool", e.name, "id", e.invocationID, "bytes", len(ev.Payload))
	}
	parsed, raw := e.args.parsed, e.args.raw
	_, err := t.store.UpdateToolPart(t.messageID, e.PartID, func(inv *message.ToolInvocation) {
		inv.Input = parsed
		inv.RawInput = raw
	})
	return err
}

// stop marks the block complete. Content is left untouched.
func (t *blockTracker) stop(ctx context.Context, index int) {
	e, ok := t.blocks[index]
	if !ok {
		t.log.Debug(ctx, "ignoring stop for unknown block", "index", index)
		return
	}
	if e.Completed {
		return
	}
	e.Completed = true
	e.LastUpdated = t.now()
	if e.Kind == event.KindTool {
		if _, ok := ResolveToolArgs(e.args.raw); !ok {
			t.log.Warn(ctx, "tool arguments did not parse at block stop", "tool", e.name, "id", e.invocationID, "raw", e.args.raw)
		}
	}
}

// open returns the number of registered blocks not yet stopped.
func (t *blockTracker) open() int {
	n := 0
	for _, e := range t.blocks {
		if !e.Completed {
			n++
		}
	}
	return n
}

func (t *blockTracker) track(index int, e *blockEntry) {
	t.blocks[index] = e
	if index > t.maxIndex {
		t.maxIndex = index
	}
}
