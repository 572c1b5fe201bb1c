package message

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestStoreAssemblesParts(t *testing.T) {
	s := NewStore(WithIDGenerator(sequentialIDs()))
	msg, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	require.Equal(t, StateAssembling, msg.State)

	_, err = s.AddPart("m1", "p-think", PartThinking, "", nil)
	require.NoError(t, err)
	_, err = s.AppendTextFragment("m1", "p-think", "plan")
	require.NoError(t, err)
	_, err = s.AddPart("m1", "p-text", PartText, "Hello ", nil)
	require.NoError(t, err)
	_, err = s.AppendTextFragment("m1", "p-text", "world")
	require.NoError(t, err)

	got, ok := s.Message("m1")
	require.True(t, ok)
	require.Len(t, got.Parts, 2)
	require.Equal(t, PartThinking, got.Parts[0].Kind)
	require.Equal(t, 0, got.Parts[0].Order)
	require.Equal(t, "plan", got.Parts[0].Content)
	require.Equal(t, 1, got.Parts[1].Order)
	require.Equal(t, "Hello world", got.Text())
}

func TestAddPartIsIdempotentByID(t *testing.T) {
	s := NewStore()
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.AddPart("m1", "p1", PartText, "a", nil)
	require.NoError(t, err)
	p, err := s.AddPart("m1", "p1", PartText, "b", nil)
	require.NoError(t, err)
	require.Equal(t, "a", p.Content)
	msg, _ := s.Message("m1")
	require.Len(t, msg.Parts, 1)
}

func TestAppendTextFragmentWithoutPartCreatesOne(t *testing.T) {
	s := NewStore(WithIDGenerator(sequentialIDs()))
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	p, err := s.AppendTextFragment("m1", "", "note")
	require.NoError(t, err)
	require.Equal(t, "id-1", p.ID)
	require.Equal(t, PartText, p.Kind)
}

func TestToolParts(t *testing.T) {
	s := NewStore()
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.UpsertToolPart("m1", "tu_1", ToolInvocation{ID: "tu_1", Name: "read_file", Executing: true})
	require.NoError(t, err)
	p, err := s.UpsertToolPart("m1", "tu_1", ToolInvocation{ID: "tu_1", Name: "read_file", Input: map[string]any{"path": "/a"}, Executing: true})
	require.NoError(t, err)
	require.Equal(t, 0, p.Order)

	require.NoError(t, s.UpdateTool("tu_1", func(inv *ToolInvocation) {
		inv.Executing = false
		inv.Result = "contents"
	}))
	msg, _ := s.Message("m1")
	require.Len(t, msg.Parts, 1)
	require.False(t, msg.Parts[0].Tool.Executing)
	require.Equal(t, "contents", msg.Parts[0].Tool.Result)
	require.Equal(t, map[string]any{"path": "/a"}, msg.Parts[0].Tool.Input)

	require.ErrorIs(t, s.UpdateTool("missing", func(*ToolInvocation) {}), ErrInvocationNotFound)
	_, err = s.AppendTextFragment("m1", "tu_1", "x")
	require.ErrorIs(t, err, ErrPartKind)
}

func TestFinalizedMessagesRejectMutation(t *testing.T) {
	s := NewStore()
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.AddPart("m1", "p1", PartText, "done", nil)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeMessage("m1", StateFinalized))
	require.NoError(t, s.FinalizeMessage("m1", StateAborted))

	msg, _ := s.Message("m1")
	require.Equal(t, StateFinalized, msg.State)

	_, err = s.AppendTextFragment("m1", "p1", "more")
	require.ErrorIs(t, err, ErrMessageFinalized)
	_, err = s.AppendAnnotation("m1", "note")
	require.ErrorIs(t, err, ErrMessageFinalized)
	require.Error(t, s.FinalizeMessage("m1", StateAssembling))
	require.ErrorIs(t, s.FinalizeMessage("nope", StateFinalized), ErrMessageNotFound)
	_, err = s.CreateMessage("m1", RoleAssistant)
	require.ErrorIs(t, err, ErrMessageExists)
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	s := NewStore()
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.UpsertToolPart("m1", "tu", ToolInvocation{ID: "tu", Executing: true})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Messages[0].Parts[0].Tool.Executing = false
	snap.Messages[0].Parts[0].Content = "tampered"

	msg, _ := s.Message("m1")
	require.True(t, msg.Parts[0].Tool.Executing)
	require.Empty(t, msg.Parts[0].Content)
}

func TestListenersObserveEveryCommitInOrder(t *testing.T) {
	s := NewStore()
	var (
		mu       sync.Mutex
		versions []uint64
		texts    []string
	)
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, snap.Version)
		if len(snap.Messages) > 0 {
			texts = append(texts, snap.Messages[0].Text())
		}
	})

	s.SetTurnInProgress(true)
	s.SetTurnInProgress(true) // no change, no notification
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.AddPart("m1", "p", PartText, "a", nil)
	require.NoError(t, err)
	_, err = s.AppendTextFragment("m1", "p", "b")
	require.NoError(t, err)
	_, err = s.AppendTextFragment("m1", "p", "")
	require.NoError(t, err)

	unsubscribe()
	s.SetTurnInProgress(false)

	require.Equal(t, []uint64{1, 2, 3, 4}, versions)
	require.Equal(t, []string{"", "a", "ab"}, texts)
	require.False(t, s.Snapshot().TurnInProgress)
}

func TestAnnotationParts(t *testing.T) {
	s := NewStore()
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.AddPart("m1", "p", PartText, "partial", nil)
	require.NoError(t, err)
	a, err := s.AppendAnnotation("m1", "Connection lost.")
	require.NoError(t, err)
	require.True(t, a.Annotation)
	require.Equal(t, 1, a.Order)

	msg, _ := s.Message("m1")
	require.Equal(t, "partial", msg.Text())
	require.True(t, msg.Parts[1].Annotation)
}

func TestUpdateToolPart(t *testing.T) {
	s := NewStore()
	_, err := s.CreateMessage("m1", RoleAssistant)
	require.NoError(t, err)
	_, err = s.UpsertToolPart("m1", "tu", ToolInvocation{ID: "tu", Name: "Bash", Executing: true})
	require.NoError(t, err)
	p, err := s.UpdateToolPart("m1", "tu", func(inv *ToolInvocation) { inv.RawInput = `{"cmd":"ls"}` })
	require.NoError(t, err)
	require.Equal(t, "Bash", p.Tool.Name)
	require.Equal(t, `{"cmd":"ls"}`, p.Tool.RawInput)

	_, err = s.UpdateToolPart("m1", "nope", func(*ToolInvocation) {})
	require.ErrorIs(t, err, ErrPartNotFound)
}
