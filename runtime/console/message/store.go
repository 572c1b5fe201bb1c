package message

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMessageNotFound is returned when a mutation targets an unknown
	// message.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageExists is returned by CreateMessage for a duplicate id.
	ErrMessageExists = errors.New("message already exists")
	// ErrMessageFinalized is returned when a mutation targets a message in a
	// terminal state.
	ErrMessageFinalized = errors.New("message is finalized")
	// ErrPartNotFound is returned when a mutation targets an unknown part.
	ErrPartNotFound = errors.New("part not found")
	// ErrPartKind is returned when a mutation targets a part of another
	// kind.
	ErrPartKind = errors.New("part kind mismatch")
	// ErrInvocationNotFound is returned by UpdateTool for an unknown
	// invocation id.
	ErrInvocationNotFound = errors.New("tool invocation not found")
)

type (
	// Snapshot is an immutable, deep-copied view of a Store at a version.
	Snapshot struct {
		Version        uint64    `json:"version" yaml:"version"`
		Messages       []Message `json:"messages" yaml:"messages"`
		TurnInProgress bool      `json:"turn_in_progress" yaml:"turn_in_progress"`
	}

	// Listener receives every committed snapshot in commit order.
	Listener func(Snapshot)

	// Store is the shared, subscribable message list. Every mutation is
	// applied atomically and followed by exactly one snapshot delivered to
	// the listeners, so listeners never observe partial updates. Listeners
	// run synchronously on the mutating goroutine and must not call back
	// into the Store.
	Store struct {
		mu       sync.Mutex
		notifyMu sync.Mutex

		messages  []*Message
		byID      map[string]*Message
		nextPart  map[string]int
		inFlight  bool
		version   uint64
		listeners map[int]Listener
		nextSub   int
		now       func() time.Time
		newID     func() string
	}

	// StoreOption configures a Store.
	StoreOption func(*Store)
)

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the generator used for message and part ids.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore returns an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byID:      make(map[string]*Message),
		nextPart:  make(map[string]int),
		listeners: make(map[int]Listener),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.listeners, id)
	}
}

// Snapshot returns the current committed state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Messages returns a copy of the current message list.
func (s *Store) Messages() []Message {
	return s.Snapshot().Messages
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// CreateMessage appends a new assembling message. An empty id is replaced
// with a generated one.
func (s *Store) CreateMessage(id string, role Role) (Message, error) {
	var out Message
	err := s.commit(func() error {
		if id == "" {
			id = s.newID()
		}
		if _, ok := s.byID[id]; ok {
			return fmt.Errorf("%w: %s", ErrMessageExists, id)
		}
		m := &Message{
			ID:        id,
			Role:      role,
			Order:     len(s.messages),
			State:     StateAssembling,
			CreatedAt: s.now(),
		}
		s.messages = append(s.messages, m)
		s.byID[id] = m
		out = m.clone()
		return nil
	})
	return out, err
}

// AddPart creates a part in message msgID with the next order. An empty
// partID is replaced with a generated one; when a part with partID already
// exists it is returned unchanged.
func (s *Store) AddPart(msgID, partID string, kind PartKind, content string, tool *ToolInvocation) (Part, error) {
	var out Part
	err := s.commit(func() error {
		m, err := s.mutable(msgID)
		if err != nil {
			return err
		}
		if partID != "" {
			if i := partIndex(m, partID); i >= 0 {
				out = m.Parts[i].clone()
				return errNoChange
			}
		}
		if tool != nil {
			cp := *tool
			tool = &cp
		}
		out = s.appendPart(m, partID, kind, content, tool).clone()
		return nil
	})
	return out, err
}

// AppendTextFragment appends fragment to the text or thinking part partID of
// message msgID. When partID is empty or unknown a new text part is created
// with fragment as its content.
func (s *Store) AppendTextFragment(msgID, partID, fragment string) (Part, error) {
	var out Part
	err := s.commit(func() error {
		m, err := s.mutable(msgID)
		if err != nil {
			return err
		}
		i := -1
		if partID != "" {
			i = partIndex(m, partID)
		}
		if i < 0 {
			out = s.appendPart(m, partID, PartText, fragment, nil)
			return nil
		}
		p := &m.Parts[i]
		if p.Kind != PartText && p.Kind != PartThinking {
			return fmt.Errorf("%w: part %s is %s", ErrPartKind, partID, p.Kind)
		}
		if fragment == "" {
			out = p.clone()
			return errNoChange
		}
		p.Content += fragment
		out = p.clone()
		return nil
	})
	return out, err
}

// AppendAnnotation appends a console annotation part to message msgID.
func (s *Store) AppendAnnotation(msgID, text string) (Part, error) {
	var out Part
	err := s.commit(func() error {
		m, err := s.mutable(msgID)
		if err != nil {
			return err
		}
		out = s.appendPart(m, "", PartText, text, nil)
		m.Parts[len(m.Parts)-1].Annotation = true
		out.Annotation = true
		return nil
	})
	return out, err
}

// UpsertToolPart creates or replaces the tool part partID of message msgID.
func (s *Store) UpsertToolPart(msgID, partID string, inv ToolInvocation) (Part, error) {
	var out Part
	err := s.commit(func() error {
		m, err := s.mutable(msgID)
		if err != nil {
			return err
		}
		if i := partIndex(m, partID); i >= 0 {
			p := &m.Parts[i]
			if p.Kind != PartTool {
				return fmt.Errorf("%w: part %s is %s", ErrPartKind, partID, p.Kind)
			}
			tool := inv
			p.Tool = &tool
			out = p.clone()
			return nil
		}
		tool := inv
		out = s.appendPart(m, partID, PartTool, "", &tool).clone()
		return nil
	})
	return out, err
}

// UpdateToolPart applies fn to the invocation held by the tool part partID of
// message msgID.
func (s *Store) UpdateToolPart(msgID, partID string, fn func(*ToolInvocation)) (Part, error) {
	var out Part
	err := s.commit(func() error {
		m, err := s.mutable(msgID)
		if err != nil {
			return err
		}
		i := partIndex(m, partID)
		if i < 0 {
			return fmt.Errorf("%w: part %s of %s", ErrPartNotFound, partID, msgID)
		}
		p := &m.Parts[i]
		if p.Kind != PartTool || p.Tool == nil {
			return fmt.Errorf("%w: part %s is %s", ErrPartKind, partID, p.Kind)
		}
		tool := *p.Tool
		fn(&tool)
		p.Tool = &tool
		out = p.clone()
		return nil
	})
	return out, err
}

// UpdateTool applies fn to the invocation with the given id, searching
// messages from the most recent. Invocations of terminal messages cannot be
// updated.
func (s *Store) UpdateTool(invocationID string, fn func(*ToolInvocation)) error {
	return s.commit(func() error {
		for i := len(s.messages) - 1; i >= 0; i-- {
			m := s.messages[i]
			for j := range m.Parts {
				p := &m.Parts[j]
				if p.Kind != PartTool || p.Tool == nil || p.Tool.ID != invocationID {
					continue
				}
				if m.State.Terminal() {
					return fmt.Errorf("%w: %s", ErrMessageFinalized, m.ID)
				}
				tool := *p.Tool
				fn(&tool)
				p.Tool = &tool
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrInvocationNotFound, invocationID)
	})
}

// FinalizeMessage moves message msgID to the terminal state st. Finalizing
// a terminal message is a no-op.
func (s *Store) FinalizeMessage(msgID string, st State) error {
	if !st.Terminal() {
		return fmt.Errorf("finalize message %s: %q is not a terminal state", msgID, st)
	}
	return s.commit(func() error {
		m, ok := s.byID[msgID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
		}
		if m.State.Terminal() {
			return errNoChange
		}
		m.State = st
		return nil
	})
}

// SetTurnInProgress sets the "assistant is responding" indicator.
func (s *Store) SetTurnInProgress(v bool) {
	_ = s.commit(func() error {
		if s.inFlight == v {
			return errNoChange
		}
		s.inFlight = v
		return nil
	})
}

// errNoChange aborts a commit without error and without notifying.
var errNoChange = errors.New("no change")

// commit applies fn under the store lock and, when fn changed the state,
// publishes the new snapshot to listeners in commit order.
func (s *Store) commit(fn func() error) error {
	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	s.version++
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, l := range s.listeners {
		l(snap)
	}
	return nil
}

func (s *Store) mutable(msgID string) (*Message, error) {
	m, ok := s.byID[msgID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	if m.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrMessageFinalized, msgID)
	}
	return m, nil
}

func (s *Store) appendPart(m *Message, partID string, kind PartKind, content string, tool *ToolInvocation) Part {
	if partID == "" {
		partID = s.newID()
	}
	order := s.nextPart[m.ID]
	s.nextPart[m.ID] = order + 1
	p := Part{ID: partID, Kind: kind, Order: order, Content: content, Tool: tool}
	m.Parts = append(m.Parts, p)
	return p
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = m.clone()
	}
	return Snapshot{Version: s.version, Messages: msgs, TurnInProgress: s.inFlight}
}

func partIndex(m *Message, partID string) int {
	for i := range m.Parts {
		if m.Parts[i].ID == partID {
			return i
		}
	}
	return -1
}
