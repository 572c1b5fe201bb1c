package subagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentconsole/console/runtime/console/assembler"
	"github.com/agentconsole/console/runtime/console/event"
	"github.com/agentconsole/console/runtime/console/message"
)

func nested(parent string) event.Envelope {
	return event.Envelope{ParentToolUseID: parent}
}

func TestNestedEventsStayInTheirFlow(t *testing.T) {
	ctx := context.Background()
	primary := message.NewStore()
	r := NewRouter()
	a := assembler.New(primary, assembler.WithToolObserver(r.ObserveTool))

	events := []event.Event{
		event.BlockStart{Index: 0, Kind: event.KindTool, BlockID: "T1", Name: "Task"},
		event.BlockStop{Index: 0},
		event.MessageStart{Envelope: nested("T1"), MessageID: "sub-1"},
		event.BlockDelta{Envelope: nested("T1"), Index: 0, Kind: event.KindText, Payload: "nested "},
		event.BlockDelta{Envelope: nested("T1"), Index: 0, Kind: event.KindText, Payload: "work"},
		event.BlockDelta{Index: 1, Kind: event.KindText, Payload: "primary"},
	}
	for _, ev := range events {
		if r.Route(ctx, ev) {
			continue
		}
		require.NoError(t, a.Handle(ctx, ev))
	}

	flow := r.Flow("T1")
	require.Len(t, flow, 1)
	require.Equal(t, "sub-1", flow[0].ID)
	require.Equal(t, "nested work", flow[0].Text())

	msgs := primary.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "primary", msgs[0].Text())
	require.Len(t, msgs[0].Parts, 2)
	require.Equal(t, message.PartTool, msgs[0].Parts[0].Kind)
}

func TestSpawnToolRegistersTaskEagerly(t *testing.T) {
	r := NewRouter()
	r.ObserveTool(context.Background(), message.ToolInvocation{ID: "T1", Name: "Task"})
	r.ObserveTool(context.Background(), message.ToolInvocation{ID: "B1", Name: "Bash"})
	r.ObserveTool(context.Background(), message.ToolInvocation{ID: "T1", Name: "Task"})

	tasks := r.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "T1", tasks[0].ParentID)
	require.Empty(t, tasks[0].Messages)
	require.NotNil(t, r.Flow("T1"))
	require.Nil(t, r.Flow("B1"))
}

func TestUnregisteredParentCreatesTaskLazily(t *testing.T) {
	r := NewRouter()
	ok := r.Route(context.Background(), event.BlockDelta{
		Envelope: event.Envelope{ParentToolUseID: "T9", SessionID: "s-nested"},
		Index:    0,
		Kind:     event.KindText,
		Payload:  "hi",
	})
	require.True(t, ok)
	tasks := r.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "s-nested", tasks[0].SessionID)
	require.Equal(t, "hi", tasks[0].Messages[0].Text())
}

func TestPrimaryEventsAreNotRouted(t *testing.T) {
	r := NewRouter()
	require.False(t, r.Route(context.Background(), event.BlockDelta{Index: 0, Kind: event.KindText, Payload: "x"}))
	require.Empty(t, r.Tasks())
}

func TestRegisterTaskKeepsFirstSession(t *testing.T) {
	r := NewRouter()
	r.RegisterTask("T1", "")
	r.RegisterTask("T1", "s1")
	r.RegisterTask("T1", "s2")
	tasks := r.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "s1", tasks[0].SessionID)
}

func TestClearTask(t *testing.T) {
	r := NewRouter()
	r.RegisterTask("T1", "")
	r.RegisterTask("T2", "")
	r.ClearTask("T1")
	r.ClearTask("missing")
	tasks := r.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "T2", tasks[0].ParentID)
	require.Nil(t, r.Flow("T1"))
}

func TestParentResultFinalizesFlow(t *testing.T) {
	ctx := context.Background()
	r := NewRouter()
	r.Route(ctx, event.BlockDelta{Envelope: nested("T1"), Index: 0, Kind: event.KindText, Payload: "ok"})
	r.Route(ctx, event.BlockDelta{Envelope: nested("T2"), Index: 0, Kind: event.KindText, Payload: "bad"})

	r.ObserveResult(ctx, event.ToolResult{InvocationID: "T1", Result: "done"})
	r.ObserveResult(ctx, event.ToolResult{InvocationID: "T2", IsError: true})

	tasks := r.Tasks()
	require.True(t, tasks[0].Done)
	require.Equal(t, message.StateFinalized, tasks[0].Messages[0].State)
	require.True(t, tasks[1].Done)
	require.Equal(t, message.StateAborted, tasks[1].Messages[0].State)
	require.True(t, tasks[1].Messages[0].Parts[1].Annotation)
}

func TestCloseCancelsSilently(t *testing.T) {
	ctx := context.Background()
	r := NewRouter()
	r.Route(ctx, event.BlockDelta{Envelope: nested("T1"), Index: 0, Kind: event.KindText, Payload: "partial"})
	r.Close(ctx, context.Canceled)

	flow := r.Flow("T1")
	require.Len(t, flow[0].Parts, 1)
	require.Equal(t, message.StateAborted, flow[0].State)
}
