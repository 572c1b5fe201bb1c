package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, data string) Event {
	t.Helper()
	evs, err := Decode([]byte(data))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	return evs[0]
}

func TestDecodeSessionEvents(t *testing.T) {
	ev := decodeOne(t, `{"type":"system","subtype":"init","session_id":"s1","model":"m"}`)
	init, ok := ev.(SessionInit)
	require.True(t, ok)
	require.Equal(t, "s1", init.SessionID)
	require.Equal(t, "m", init.Model)

	ev = decodeOne(t, `{"type":"system","subtype":"session_resumed","original_session_id":"s1","new_session_id":"s2"}`)
	res, ok := ev.(SessionResumed)
	require.True(t, ok)
	require.Equal(t, "s1", res.OriginalSessionID)
	require.Equal(t, "s2", res.NewSessionID)
}

func TestDecodeStreamEvents(t *testing.T) {
	ev := decodeOne(t, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1","role":"assistant"}}}`)
	require.Equal(t, MessageStart{MessageID: "msg_1", Role: "assistant"}, ev)

	ev = decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"read_file","input":{}}}}`)
	require.Equal(t, BlockStart{Index: 1, Kind: KindTool, BlockID: "tu_1", Name: "read_file", Snapshot: "{}"}, ev)

	ev = decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}}`)
	require.Equal(t, BlockDelta{Index: 0, Kind: KindText, Payload: "Hello "}, ev)

	ev = decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}}`)
	require.Equal(t, BlockDelta{Index: 0, Kind: KindThinking, Payload: "hmm"}, ev)

	ev = decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"/a\"}"}}}`)
	require.Equal(t, BlockDelta{Index: 1, Kind: KindTool, Payload: `{"path":"/a"}`}, ev)

	ev = decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`)
	require.Equal(t, BlockStop{Index: 1}, ev)

	ev = decodeOne(t, `{"type":"stream_event","event":{"type":"message_stop"}}`)
	require.Equal(t, MessageStop{}, ev)
}

func TestDecodeCarriesParent(t *testing.T) {
	ev := decodeOne(t, `{"type":"stream_event","parent_tool_use_id":"T1","session_id":"s","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}}`)
	require.Equal(t, "T1", ev.Parent())

	ev = decodeOne(t, `{"type":"stream_event","parent_tool_use_id":null,"event":{"type":"message_stop"}}`)
	require.Equal(t, "", ev.Parent())
}

func TestDecodeIgnoredChatter(t *testing.T) {
	for _, data := range []string{
		`{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"x"}}}`,
		`{"type":"keep_alive"}`,
		"   ",
	} {
		evs, err := Decode([]byte(data))
		require.NoError(t, err, data)
		require.Empty(t, evs, data)
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"telemetry"}`))
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode([]byte(`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"image"}}}`))
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeLegacyAssistant(t *testing.T) {
	ev := decodeOne(t, `{"type":"assistant","message":{"id":"msg_2","role":"assistant","content":[
		{"type":"thinking","thinking":"plan"},
		{"type":"text","text":"done"},
		{"type":"tool_use","id":"tu_9","name":"Task","input":{"prompt":"go"}}]}}`)
	lc, ok := ev.(LegacyComplete)
	require.True(t, ok)
	require.Equal(t, "msg_2", lc.MessageID)
	require.Equal(t, "assistant", lc.Role)
	require.Len(t, lc.Blocks, 3)
	require.Equal(t, Block{Kind: KindThinking, Text: "plan"}, lc.Blocks[0])
	require.Equal(t, Block{Kind: KindText, Text: "done"}, lc.Blocks[1])
	require.Equal(t, KindTool, lc.Blocks[2].Kind)
	require.Equal(t, "tu_9", lc.Blocks[2].ID)
	require.JSONEq(t, `{"prompt":"go"}`, string(lc.Blocks[2].Input))
}

func TestDecodeUserToolResults(t *testing.T) {
	evs, err := Decode([]byte(`{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok"},
		{"type":"tool_result","tool_use_id":"tu_2","content":[{"type":"text","text":"denied"}],"is_error":true}]}}`))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	first := evs[0].(ToolResult)
	require.Equal(t, "tu_1", first.InvocationID)
	require.Equal(t, "ok", first.Result)
	require.False(t, first.IsError)
	second := evs[1].(ToolResult)
	require.True(t, second.IsError)
	require.Len(t, second.Result, 1)
}

func TestDecodeUserStringContent(t *testing.T) {
	ev := decodeOne(t, `{"type":"user","message":{"content":"hi there"}}`)
	lc := ev.(LegacyComplete)
	require.Equal(t, "user", lc.Role)
	require.Equal(t, []Block{{Kind: KindText, Text: "hi there"}}, lc.Blocks)
}

func TestDecodeResultAndError(t *testing.T) {
	ev := decodeOne(t, `{"type":"result","subtype":"success","result":"ok","num_turns":2}`)
	res := ev.(TurnResult)
	require.True(t, res.Success())
	require.Equal(t, 2, res.NumTurns)

	ev = decodeOne(t, `{"type":"result","subtype":"success","permission_denials":[{"tool_name":"Bash","tool_use_id":"tu_3"}]}`)
	res = ev.(TurnResult)
	require.False(t, res.Success())
	require.Equal(t, []PermissionDenial{{ToolName: "Bash", ToolUseID: "tu_3"}}, res.PermissionDenials)

	ev = decodeOne(t, `{"type":"result","subtype":"error_max_turns","is_error":true}`)
	require.False(t, ev.(TurnResult).Success())

	ev = decodeOne(t, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	require.Equal(t, "Overloaded", ev.(StreamError).Message)

	ev = decodeOne(t, `{"type":"error","error":"plain"}`)
	require.Equal(t, "plain", ev.(StreamError).Message)
}
