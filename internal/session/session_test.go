// ABOUTME: Tests for AgentSession subprocess lifecycle and event stream
// ABOUTME: Uses /bin/sh as a stand-in agent; covers I/O, permissions, exit, snapshots

package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shSession(t *testing.T, script string) *AgentSession {
	t.Helper()
	s, err := New(Config{
		SessionID: "test-session",
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func nextEvent(t *testing.T, s *AgentSession) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNew_SpawnFailed(t *testing.T) {
	_, err := New(Config{
		SessionID: "bad",
		Command:   "/nonexistent/binary",
	}, nil)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSession_EchoOutput(t *testing.T) {
	s := shSession(t, `while read line; do echo "$line"; done`)

	require.NoError(t, s.SendInput(json.RawMessage(`{"text":"hello"}`)))

	ev := nextEvent(t, s)
	assert.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.JSONEq(t, `{"text":"hello"}`, string(ev.Output))

	// Output lands in the buffer for replay.
	entries, _ := s.Buffer().DrainSince(0)
	assert.Len(t, entries, 1)
}

func TestSession_NonJSONPassthrough(t *testing.T) {
	s := shSession(t, `echo "plain text line"`)

	ev := nextEvent(t, s)
	assert.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, "plain text line", string(ev.Output))
}

func TestSession_ExitCodeAndStreamEnd(t *testing.T) {
	s := shSession(t, `exit 3`)

	ev := nextEvent(t, s)
	assert.Equal(t, EventExited, ev.Type)
	assert.Equal(t, 3, ev.ExitCode)

	_, ok := <-s.Events()
	assert.False(t, ok, "stream must end after the exit event")
	assert.Equal(t, StateExited, s.State())
	assert.Equal(t, 3, s.ExitCode())
}

func TestSession_PermissionRequestFlow(t *testing.T) {
	s := shSession(t, `echo '{"type":"permission_request","request_id":"req-1","tool_name":"Bash"}'; read reply; echo "$reply"`)

	ev := nextEvent(t, s)
	require.Equal(t, EventPermissionRequest, ev.Type)
	require.NotNil(t, ev.Permission)
	assert.Equal(t, "req-1", ev.Permission.RequestID)
	assert.Equal(t, "Bash", ev.Permission.ToolName)

	// Wrong id is rejected, pending request stays resolvable.
	err := s.RespondPermission(PermissionResponse{RequestID: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidPermissionResponse)

	require.NoError(t, s.RespondPermission(PermissionResponse{RequestID: "req-1", Allow: true}))

	// The response was written to stdin; the script echoes it back.
	ev = nextEvent(t, s)
	require.Equal(t, EventOutput, ev.Type)
	var echoed map[string]any
	require.NoError(t, json.Unmarshal(ev.Output, &echoed))
	assert.Equal(t, "permission_response", echoed["type"])
	assert.Equal(t, true, echoed["allow"])

	// Once resolved, responding again fails.
	err = s.RespondPermission(PermissionResponse{RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrInvalidPermissionResponse)
}

func TestSession_SendInputAfterExit(t *testing.T) {
	s := shSession(t, `exit 0`)

	ev := nextEvent(t, s)
	require.Equal(t, EventExited, ev.Type)

	err := s.SendInput(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestSession_StopIdempotent(t *testing.T) {
	s := shSession(t, `sleep 60`)

	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.State())

	// The exit event still arrives and ends the stream.
	for ev := range s.Events() {
		_ = ev
	}
}

func TestSession_Snapshot(t *testing.T) {
	s := shSession(t, `echo '{"type":"permission_request","request_id":"req-9","tool_name":"Edit"}'; echo '{"n":1}'; sleep 60`)

	ev := nextEvent(t, s)
	require.Equal(t, EventPermissionRequest, ev.Type)
	ev = nextEvent(t, s)
	require.Equal(t, EventOutput, ev.Type)

	snap := s.Snapshot()
	assert.True(t, snap.WasRunning)
	assert.Equal(t, "test-session", snap.Config.SessionID)
	require.NotNil(t, snap.PendingPermission)
	assert.Equal(t, "req-9", snap.PendingPermission.RequestID)
	require.Len(t, snap.Outputs, 1)
	assert.Equal(t, uint64(1), snap.Outputs[0].Seq)

	// Round-trips through the persisted form.
	blob, err := snap.Encode()
	require.NoError(t, err)
	restored, err := DecodeSnapshot(blob)
	require.NoError(t, err)
	assert.Equal(t, snap.Config, restored.Config)
	assert.True(t, restored.WasRunning)

	s.Stop()
	snap = s.Snapshot()
	assert.False(t, snap.WasRunning)
}
