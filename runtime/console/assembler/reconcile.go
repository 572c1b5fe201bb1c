package assembler

import (
	"context"
	"strings"

	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/message"
)

// reconcile merges a message delivered in one unit. When it repeats the
// active message, blocks are matched by invocation id and then by position,
// and only the content missing from the streamed parts is appended. Any other
// assistant message is opened fresh, or appended to the active message when
// it carries no id.
func (a *Assembler) reconcile(ctx context.Context, ev event.LegacyComplete) error {
	if roleOf(ev.Role) == message.RoleUser {
		return a.appendUserMessage(ctx, ev)
	}
	same := ev.MessageID != "" && ev.MessageID == a.active
	if !same {
		if ev.MessageID != "" {
			if _, ok := a.store.Message(ev.MessageID); ok {
				a.log.Debug(ctx, "ignoring redelivered message", "message", ev.MessageID)
				return nil
			}
		}
		if a.active == "" || ev.MessageID != "" {
			if err := a.begin(ctx, ev.MessageID, message.RoleAssistant); err != nil {
				return err
			}
		}
	}
	for pos, b := range ev.Blocks {
		if !b.Kind.Valid() {
			a.log.Debug(ctx, "ignoring block of unknown kind", "kind", string(b.Kind))
			continue
		}
		if err := a.reconcileBlock(ctx, a.legacyIndex(pos, b, same), b); err != nil {
			return err
		}
	}
	return nil
}

// legacyIndex picks the block index a legacy block merges into. A repeated
// message merges into the block at the same position when it matches, and
// otherwise into the first streamed block it extends: records split per
// block carry one block each, so their positions restart at zero.
func (a *Assembler) legacyIndex(pos int, b event.Block, positional bool) int {
	if e, ok := a.tracker.entryByBlockID(b.ID); ok {
		return e.Index
	}
	if !positional {
		return a.tracker.nextIndex()
	}
	e, ok := a.tracker.entry(pos)
	if !ok {
		return pos
	}
	if a.extends(e, b) {
		return pos
	}
	for _, e := range a.tracker.ordered() {
		if a.extends(e, b) {
			return e.Index
		}
	}
	return a.tracker.nextIndex()
}

// extends reports whether b completes the streamed block e: same kind, no
// conflicting invocation id and, for text, content starting with what was
// streamed.
func (a *Assembler) extends(e *blockEntry, b event.Block) bool {
	if e.Kind != b.Kind || (b.ID != "" && e.invocationID != "") {
		return false
	}
	if b.Kind == event.KindTool {
		return true
	}
	m, _ := a.store.Message(a.active)
	p, _ := m.Part(e.PartID)
	return strings.HasPrefix(b.Text, p.Content)
}

// reconcileBlock synthesizes start, complete delta and stop for b at index.
func (a *Assembler) reconcileBlock(ctx context.Context, index int, b event.Block) error {
	e, err := a.tracker.start(ctx, event.BlockStart{Index: index, Kind: b.Kind, BlockID: b.ID, Name: b.Name})
	if err != nil || e == nil {
		return err
	}
	switch b.Kind {
	case event.KindText, event.KindThinking:
		m, _ := a.store.Message(a.active)
		cur, _ := m.Part(e.PartID)
		switch {
		case strings.HasPrefix(b.Text, cur.Content):
			if _, err := a.store.AppendTextFragment(a.active, e.PartID, b.Text[len(cur.Content):]); err != nil {
				return err
			}
		default:
			a.log.Warn(ctx, "streamed content diverges from complete message", "message", a.active, "index", index)
		}
	case event.KindTool:
		if !e.args.apply(string(b.Input)) {
			a.log.Warn(ctx, "complete tool arguments did not parse", "tool", b.Name, "id", b.ID)
		}
		if e.name == "" {
			e.name = b.Name
		}
		name, parsed, raw := e.name, e.args.parsed, e.args.raw
		if _, err := a.store.UpdateToolPart(a.active, e.PartID, func(inv *message.ToolInvocation) {
			inv.Name = name
			inv.Input = parsed
			inv.RawInput = raw
		}); err != nil {
			return err
		}
		a.observeTool(ctx, e)
	}
	a.tracker.stop(ctx, index)
	return nil
}

// appendUserMessage records a user message as a separate, already complete
// message. The active assistant message is not affected.
func (a *Assembler) appendUserMessage(ctx context.Context, ev event.LegacyComplete) error {
	if ev.MessageID != "" {
		if _, ok := a.store.Message(ev.MessageID); ok {
			a.log.Debug(ctx, "ignoring redelivered message", "message", ev.MessageID)
			return nil
		}
	}
	m, err := a.store.CreateMessage(ev.MessageID, message.RoleUser)
	if err != nil {
		return err
	}
	for _, b := range ev.Blocks {
		kind := message.PartText
		if b.Kind == event.KindThinking {
			kind = message.PartThinking
		} else if b.Kind != event.KindText {
			continue
		}
		if _, err := a.store.AddPart(m.ID, b.ID, kind, b.Text, nil); err != nil {
			return err
		}
	}
	return a.store.FinalizeMessage(m.ID, message.StateFinalized)
}
