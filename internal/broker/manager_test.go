// ABOUTME: Tests for the SessionManager routing, dedup, and durable replay paths
// ABOUTME: Uses a real in-memory SQLite store and fake in-process senders

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal-sub001/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

// fakeSender records everything sent to it. Closed senders refuse messages,
// mimicking a dead link.
type fakeSender struct {
	sent   []*protocol.Envelope
	closed bool
}

func (f *fakeSender) Send(env *protocol.Envelope) bool {
	if f.closed {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func newTestManager(t *testing.T) (*SessionManager, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewSessionManager(st, nil), st
}

func seedSession(t *testing.T, st store.Store, id, userID string) {
	t.Helper()
	require.NoError(t, st.UpsertSession(context.Background(), &store.Session{
		ID:     id,
		UserID: userID,
		Status: "active",
	}))
}

func TestHandleClaudeOutputPersistsBroadcastsAcks(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	proxy := &fakeSender{}
	client := &fakeSender{}
	m.RegisterClient("s1", client)

	content := json.RawMessage(`{"type":"assistant","text":"hello"}`)
	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 1, content, proxy))

	// Broadcast reached the client.
	require.Len(t, client.sent, 1)
	assert.Equal(t, protocol.TypeClaudeOutput, client.sent[0].Type)

	// Persisted to the durable log.
	msgs, err := st.ListSessionMessages(ctx, "s1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(content), msgs[0].Content)

	// Proxy got the ack and the high-water mark advanced.
	require.Len(t, proxy.sent, 1)
	assert.Equal(t, protocol.TypeOutputAck, proxy.sent[0].Type)
	assert.Equal(t, uint64(1), m.LastAckSeq("s1"))
}

func TestHandleClaudeOutputDedupsRetransmissions(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	proxy := &fakeSender{}
	client := &fakeSender{}
	m.RegisterClient("s1", client)

	content := json.RawMessage(`{"text":"once"}`)
	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 3, content, proxy))
	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 3, content, proxy))
	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 2, content, proxy))

	// Duplicates and stale seqs are neither rebroadcast nor re-persisted.
	assert.Len(t, client.sent, 1)
	msgs, err := st.ListSessionMessages(ctx, "s1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// But every attempt is acked so the proxy stops retransmitting.
	require.Len(t, proxy.sent, 3)
	for _, env := range proxy.sent {
		assert.Equal(t, protocol.TypeOutputAck, env.Type)
	}
	assert.Equal(t, uint64(3), m.LastAckSeq("s1"))
}

// gatedStore parks the first SaveMessage call between a delivery's dedup
// check and its high-water update, so a second delivery of the same seq can
// race it.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.SaveMessage(ctx, msg)
}

func TestHandleClaudeOutputConcurrentRetransmission(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	gs := &gatedStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	m := NewSessionManager(gs, nil)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	client := &fakeSender{}
	m.RegisterClient("s1", client)

	// The displaced link's dispatch is mid-persist when the reconnected
	// proxy retransmits the same seq.
	content := json.RawMessage(`{"text":"exactly once"}`)
	oldLink := &fakeSender{}
	newLink := &fakeSender{}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.HandleClaudeOutput(ctx, "s1", 1, content, oldLink)
	}()
	<-gs.entered

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- m.HandleClaudeOutput(ctx, "s1", 1, content, newLink)
	}()
	// Give the retransmission time to reach the dedup gate before the
	// original delivery finishes persisting.
	time.Sleep(50 * time.Millisecond)
	close(gs.release)

	for _, ch := range []chan error{firstDone, secondDone} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("HandleClaudeOutput did not return")
		}
	}

	// One broadcast and one persisted row for the seq, no matter how many
	// links delivered it.
	assert.Len(t, client.sent, 1)
	msgs, err := st.ListSessionMessages(ctx, "s1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Both deliveries are acked so neither link keeps retransmitting.
	require.Len(t, oldLink.sent, 1)
	assert.Equal(t, protocol.TypeOutputAck, oldLink.sent[0].Type)
	require.Len(t, newLink.sent, 1)
	assert.Equal(t, protocol.TypeOutputAck, newLink.sent[0].Type)
	assert.Equal(t, uint64(1), m.LastAckSeq("s1"))
}

func TestHandleClaudeOutputUnsequencedAlwaysDelivered(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	client := &fakeSender{}
	m.RegisterClient("s1", client)

	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 0, json.RawMessage(`{"a":1}`), nil))
	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 0, json.RawMessage(`{"a":1}`), nil))

	// Seq zero means no dedup and no ack.
	assert.Len(t, client.sent, 2)
	msgs, err := st.ListSessionMessages(ctx, "s1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, uint64(0), m.LastAckSeq("s1"))
}

func TestHandleClaudeOutputRecordsUsage(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	result := json.RawMessage(`{"type":"result","total_cost_usd":0.05,"usage":{"input_tokens":100,"output_tokens":40}}`)
	require.NoError(t, m.HandleClaudeOutput(ctx, "s1", 1, result, &fakeSender{}))

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, sess.CostUSD, 1e-9)
	assert.Equal(t, int64(100), sess.InputTokens)
	assert.Equal(t, int64(40), sess.OutputTokens)

	usage, err := st.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.InputTokens)
}

func TestHandleUserInputPersistsBeforeForward(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	// No proxy linked: the input must still be accepted and queued.
	seq, err := m.HandleUserInput(ctx, "s1", json.RawMessage(`{"text":"queued"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	pending, err := st.ListPendingInputs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// With a proxy linked, the input is forwarded with its assigned seq.
	proxy := &fakeSender{}
	m.RegisterProxy("s1", proxy)
	seq, err = m.HandleUserInput(ctx, "s1", json.RawMessage(`{"text":"live"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	require.Len(t, proxy.sent, 1)
	var in protocol.SequencedInput
	require.NoError(t, proxy.sent[0].Decode(&in))
	assert.Equal(t, uint64(2), in.SeqNum)
}

func TestInputAckClearsThroughSeq(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	for i := 0; i < 3; i++ {
		_, err := m.HandleUserInput(ctx, "s1", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
	require.NoError(t, m.HandleInputAck(ctx, "s1", 2))

	pending, err := st.ListPendingInputs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(3), pending[0].SeqNum)
}

func TestReplayPendingInputsInOrder(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedSession(t, st, "s1", "u1")

	for i := 0; i < 3; i++ {
		_, err := m.HandleUserInput(ctx, "s1", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	proxy := &fakeSender{}
	sent, err := m.ReplayPendingInputsFromDB(ctx, "s1", proxy)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Len(t, proxy.sent, 3)
	for i, env := range proxy.sent {
		var in protocol.SequencedInput
		require.NoError(t, env.Decode(&in))
		assert.Equal(t, uint64(i+1), in.SeqNum)
	}
}

func TestReplayMidStreamRows(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	// Rows 1-4 were already delivered and deleted; 5,6,7 remain queued.
	for _, seq := range []uint64{5, 6, 7} {
		require.NoError(t, st.SavePendingInput(ctx, &store.PendingInput{
			SessionID: "s1",
			SeqNum:    seq,
			Content:   fmt.Sprintf(`{"n":%d}`, seq),
			CreatedAt: time.Now().UTC(),
		}))
	}

	proxy := &fakeSender{}
	sent, err := m.ReplayPendingInputsFromDB(ctx, "s1", proxy)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Len(t, proxy.sent, 3)
	for i, want := range []uint64{5, 6, 7} {
		var in protocol.SequencedInput
		require.NoError(t, proxy.sent[i].Decode(&in))
		assert.Equal(t, want, in.SeqNum)
	}
}

func TestReplayStopsWhenLinkCloses(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.HandleUserInput(ctx, "s1", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	dead := &fakeSender{closed: true}
	sent, err := m.ReplayPendingInputsFromDB(ctx, "s1", dead)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestPermissionRequestUpsertLastWins(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	client := &fakeSender{}
	m.RegisterClient("s1", client)

	require.NoError(t, m.HandlePermissionRequest(ctx, "s1", protocol.PermissionRequest{
		RequestID: "req-1", ToolName: "Bash", Input: json.RawMessage(`{"command":"ls"}`),
	}))
	require.NoError(t, m.HandlePermissionRequest(ctx, "s1", protocol.PermissionRequest{
		RequestID: "req-2", ToolName: "Write", Input: json.RawMessage(`{"path":"x"}`),
	}))

	// Only the newest request survives for replay.
	row, err := st.GetPendingPermission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "req-2", row.RequestID)
	assert.Len(t, client.sent, 2)
}

func TestPermissionResponseClearsRowBeforeForward(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.HandlePermissionRequest(ctx, "s1", protocol.PermissionRequest{
		RequestID: "req-1", ToolName: "Bash",
	}))

	// No agent link: the row is still cleared but the caller learns the
	// response went nowhere.
	err := m.HandlePermissionResponse(ctx, "s1", protocol.PermissionResponse{RequestID: "req-1", Allow: true})
	require.Error(t, err)
	_, err = st.GetPendingPermission(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// With a link, the response is forwarded.
	require.NoError(t, m.HandlePermissionRequest(ctx, "s1", protocol.PermissionRequest{RequestID: "req-2", ToolName: "Bash"}))
	proxy := &fakeSender{}
	m.RegisterProxy("s1", proxy)
	require.NoError(t, m.HandlePermissionResponse(ctx, "s1", protocol.PermissionResponse{RequestID: "req-2", Allow: false}))
	require.Len(t, proxy.sent, 1)
	assert.Equal(t, protocol.TypePermissionResponse, proxy.sent[0].Type)
}

func TestReplayPendingPermissionToOneClient(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Nothing pending: no-op.
	client := &fakeSender{}
	require.NoError(t, m.ReplayPendingPermission(ctx, "s1", client))
	assert.Empty(t, client.sent)

	require.NoError(t, m.HandlePermissionRequest(ctx, "s1", protocol.PermissionRequest{
		RequestID: "req-1", ToolName: "Bash", Input: json.RawMessage(`{"command":"rm"}`),
	}))
	require.NoError(t, m.ReplayPendingPermission(ctx, "s1", client))
	require.Len(t, client.sent, 1)

	var req protocol.PermissionRequest
	require.NoError(t, client.sent[0].Decode(&req))
	assert.Equal(t, "req-1", req.RequestID)
	assert.JSONEq(t, `{"command":"rm"}`, string(req.Input))
}

func TestRegisterProxyDisplacesOldLink(t *testing.T) {
	m, _ := newTestManager(t)

	first := &fakeSender{}
	second := &fakeSender{}
	assert.Nil(t, m.RegisterProxy("s1", first))
	displaced := m.RegisterProxy("s1", second)
	assert.Same(t, first, displaced)

	// Unregistering the displaced link must not remove the new one.
	m.UnregisterProxy("s1", first)
	assert.True(t, m.ProxyConnected("s1"))
	m.UnregisterProxy("s1", second)
	assert.False(t, m.ProxyConnected("s1"))
}

func TestBroadcastSurvivesDeadClient(t *testing.T) {
	m, _ := newTestManager(t)

	dead := &fakeSender{closed: true}
	live := &fakeSender{}
	m.RegisterClient("s1", dead)
	m.RegisterClient("s1", live)

	m.BroadcastToWebClients("s1", protocol.MustEnvelope(protocol.TypeClaudeOutput, "s1", protocol.ClaudeOutput{Content: json.RawMessage(`{}`)}))
	assert.Len(t, live.sent, 1)
}

func TestSetLastAckSeqIsMonotonic(t *testing.T) {
	m, _ := newTestManager(t)

	m.SetLastAckSeq("s1", 10)
	m.SetLastAckSeq("s1", 4)
	assert.Equal(t, uint64(10), m.LastAckSeq("s1"))
	m.SetLastAckSeq("s1", 12)
	assert.Equal(t, uint64(12), m.LastAckSeq("s1"))
}

func TestTakeDirtySessionsDrains(t *testing.T) {
	m, _ := newTestManager(t)

	m.QueueTruncation("s1")
	m.QueueTruncation("s2")
	m.QueueTruncation("s1")

	ids := m.TakeDirtySessions()
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
	assert.Empty(t, m.TakeDirtySessions())
}

func TestShutdownNotifiesAllProxies(t *testing.T) {
	m, _ := newTestManager(t)

	p1 := &fakeSender{}
	p2 := &fakeSender{}
	m.RegisterProxy("s1", p1)
	m.RegisterProxy("s2", p2)

	m.Shutdown(2 * time.Second)

	for _, p := range []*fakeSender{p1, p2} {
		require.Len(t, p.sent, 1)
		assert.Equal(t, protocol.TypeServerShutdown, p.sent[0].Type)
		var sd protocol.ServerShutdown
		require.NoError(t, p.sent[0].Decode(&sd))
		assert.Equal(t, int64(2000), sd.ReconnectDelayMS)
	}
}
