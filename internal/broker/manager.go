// ABOUTME: SessionManager is the broker's registry of live proxy and client links.
// ABOUTME: Routes output with seq-based dedup, replays durable queues on reconnect.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meawoppl/claude-code-portal-sub001/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

// Sender is one outbound link. Send must not block; it reports false when
// the message could not be queued (link dead or backed up).
type Sender interface {
	Send(env *protocol.Envelope) bool
}

// SessionManager owns the link registry and the per-session ack high-water
// marks. All methods are safe under arbitrary concurrent callers.
type SessionManager struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	proxies map[string]Sender
	clients map[string]map[Sender]struct{}
	lastAck map[string]uint64

	// outLocks serializes the output path per session; see HandleClaudeOutput.
	outMu    sync.Mutex
	outLocks map[string]*sync.Mutex

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// NewSessionManager creates an empty registry backed by the given store.
func NewSessionManager(st store.Store, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		store:   st,
		logger:  logger.With("component", "session-manager"),
		proxies:  make(map[string]Sender),
		clients:  make(map[string]map[Sender]struct{}),
		lastAck:  make(map[string]uint64),
		outLocks: make(map[string]*sync.Mutex),
	}
}

// RegisterProxy links the agent-side sender for a session key, replacing any
// existing link. The displaced sender, if any, is returned so the caller can
// close it.
func (m *SessionManager) RegisterProxy(sessionKey string, s Sender) Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.proxies[sessionKey]
	m.proxies[sessionKey] = s
	return old
}

// UnregisterProxy removes the proxy link only if it is still the registered
// one; a newer link for the same key is left alone.
func (m *SessionManager) UnregisterProxy(sessionKey string, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proxies[sessionKey] == s {
		delete(m.proxies, sessionKey)
	}
}

// RegisterClient adds a browser-side sender to the broadcast set for a key.
func (m *SessionManager) RegisterClient(sessionKey string, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.clients[sessionKey]
	if !ok {
		set = make(map[Sender]struct{})
		m.clients[sessionKey] = set
	}
	set[s] = struct{}{}
}

// UnregisterClient removes a browser-side sender. No effect on the proxy link.
func (m *SessionManager) UnregisterClient(sessionKey string, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.clients[sessionKey]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.clients, sessionKey)
		}
	}
}

// ProxyConnected reports whether a proxy link is currently registered.
func (m *SessionManager) ProxyConnected(sessionKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.proxies[sessionKey]
	return ok
}

// ClientCount returns the number of client links for a key.
func (m *SessionManager) ClientCount(sessionKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[sessionKey])
}

// LastAckSeq returns the highest acknowledged output seq for a session,
// zero if none.
func (m *SessionManager) LastAckSeq(sessionID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAck[sessionID]
}

// SetLastAckSeq seeds the ack high-water mark, typically from the persisted
// message log at startup or proxy registration.
func (m *SessionManager) SetLastAckSeq(sessionID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.lastAck[sessionID] {
		m.lastAck[sessionID] = seq
	}
}

// SendToSession routes a message to the registered proxy link. Returns false
// when no proxy is linked or the queue is full; the caller should persist or
// log rather than fail.
func (m *SessionManager) SendToSession(sessionKey string, env *protocol.Envelope) bool {
	m.mu.RLock()
	proxy, ok := m.proxies[sessionKey]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return proxy.Send(env)
}

// BroadcastToWebClients fans a message out to every client link for a key.
// Best effort: a full or dead client never blocks delivery to the others.
func (m *SessionManager) BroadcastToWebClients(sessionKey string, env *protocol.Envelope) {
	m.mu.RLock()
	targets := make([]Sender, 0, len(m.clients[sessionKey]))
	for s := range m.clients[sessionKey] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if !s.Send(env) {
			m.logger.Warn("dropping broadcast to slow client", "session_key", sessionKey)
		}
	}
}

// HandleClaudeOutput is the dedup+persist+broadcast path for agent output.
// Sequence numbers come from the agent side and may be retransmitted after a
// reconnect; the ack is the sender's only signal to stop retransmitting, so
// a duplicate still gets an ack but is neither rebroadcast nor re-persisted.
func (m *SessionManager) HandleClaudeOutput(ctx context.Context, sessionID string, seq uint64, content json.RawMessage, proxy Sender) error {
	// A retransmission on a fresh link can race the original delivery still
	// draining on a displaced link. One writer per session keeps the dedup
	// check, persist, and ack advance atomic against that race.
	lock := m.outputLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	hasSeq := seq > 0
	if hasSeq {
		m.mu.RLock()
		last := m.lastAck[sessionID]
		m.mu.RUnlock()
		if seq <= last {
			m.ackOutput(sessionID, seq, proxy)
			return nil
		}
	}

	m.BroadcastToWebClients(sessionID, protocol.MustEnvelope(protocol.TypeClaudeOutput, sessionID, protocol.ClaudeOutput{Content: content}))

	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   string(content),
		CreatedAt: time.Now().UTC(),
	}
	if hasSeq {
		s := seq
		msg.Seq = &s
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		// The persisted log is the recovery path; without it an ack would
		// invite data loss, so the proxy must retransmit.
		return fmt.Errorf("persisting output seq %d: %w", seq, err)
	}
	if err := m.store.TouchSession(ctx, sessionID, msg.CreatedAt); err != nil {
		m.logger.Warn("updating session activity", "session_id", sessionID, "error", err)
	}
	m.QueueTruncation(sessionID)

	m.recordUsage(ctx, sessionID, content)

	if hasSeq {
		m.mu.Lock()
		if seq > m.lastAck[sessionID] {
			m.lastAck[sessionID] = seq
		}
		m.mu.Unlock()
		m.ackOutput(sessionID, seq, proxy)
	}
	return nil
}

func (m *SessionManager) outputLock(sessionID string) *sync.Mutex {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	l, ok := m.outLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.outLocks[sessionID] = l
	}
	return l
}

func (m *SessionManager) ackOutput(sessionID string, seq uint64, proxy Sender) {
	if proxy == nil {
		return
	}
	if !proxy.Send(protocol.MustEnvelope(protocol.TypeOutputAck, sessionID, protocol.OutputAck{AckSeq: seq})) {
		m.logger.Warn("failed to queue output ack", "session_id", sessionID, "ack_seq", seq)
	}
}

// recordUsage extracts cost/token metadata from an output payload and
// accumulates it onto the session and user rows. Best effort; extraction or
// persistence failure never fails the output path.
func (m *SessionManager) recordUsage(ctx context.Context, sessionID string, content json.RawMessage) {
	delta, ok := extractUsage(content)
	if !ok {
		return
	}
	if err := m.store.AddSessionUsage(ctx, sessionID, delta.CostUSD, delta.InputTokens, delta.OutputTokens); err != nil {
		m.logger.Warn("accumulating session usage", "session_id", sessionID, "error", err)
		return
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("loading session for usage", "session_id", sessionID, "error", err)
		return
	}
	if sess.UserID == "" {
		return
	}
	if err := m.store.AddUserUsage(ctx, sess.UserID, delta.CostUSD, delta.InputTokens, delta.OutputTokens); err != nil {
		m.logger.Warn("accumulating user usage", "user_id", sess.UserID, "error", err)
	}
}

// HandleUserInput assigns the next input seq, persists the pending row, and
// forwards it to the proxy if one is linked. Persist happens before forward;
// a down proxy just leaves the row for replay.
func (m *SessionManager) HandleUserInput(ctx context.Context, sessionID string, content json.RawMessage) (uint64, error) {
	seq, err := m.store.NextInputSeq(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("allocating input seq: %w", err)
	}
	in := &store.PendingInput{
		SessionID: sessionID,
		SeqNum:    seq,
		Content:   string(content),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SavePendingInput(ctx, in); err != nil {
		return 0, fmt.Errorf("persisting pending input: %w", err)
	}

	env := protocol.MustEnvelope(protocol.TypeSequencedInput, sessionID, protocol.SequencedInput{SeqNum: seq, Content: content})
	if !m.SendToSession(sessionID, env) {
		m.logger.Info("proxy not linked; input queued for replay", "session_id", sessionID, "seq_num", seq)
	}
	return seq, nil
}

// HandleInputAck deletes pending input rows the proxy has confirmed
// delivering to the agent.
func (m *SessionManager) HandleInputAck(ctx context.Context, sessionID string, seqNum uint64) error {
	if err := m.store.DeletePendingInputsThrough(ctx, sessionID, seqNum); err != nil {
		return fmt.Errorf("clearing pending inputs through %d: %w", seqNum, err)
	}
	return nil
}

// HandlePermissionRequest persists the pending row (last request wins) and
// forwards the request to the web clients.
func (m *SessionManager) HandlePermissionRequest(ctx context.Context, sessionID string, req protocol.PermissionRequest) error {
	row := &store.PendingPermission{
		SessionID:   sessionID,
		RequestID:   req.RequestID,
		ToolName:    req.ToolName,
		Input:       string(req.Input),
		Suggestions: string(req.Suggestions),
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.UpsertPendingPermission(ctx, row); err != nil {
		return fmt.Errorf("persisting permission request: %w", err)
	}
	m.BroadcastToWebClients(sessionID, protocol.MustEnvelope(protocol.TypePermissionRequest, sessionID, req))
	return nil
}

// HandlePermissionResponse clears the pending row first, so a crash after
// forwarding never leaves a stale replay, then forwards to the agent link.
func (m *SessionManager) HandlePermissionResponse(ctx context.Context, sessionID string, resp protocol.PermissionResponse) error {
	if err := m.store.DeletePendingPermission(ctx, sessionID); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("clearing pending permission: %w", err)
	}
	env := protocol.MustEnvelope(protocol.TypePermissionResponse, sessionID, resp)
	if !m.SendToSession(sessionID, env) {
		m.logger.Warn("dropping permission response; no agent link", "session_id", sessionID, "request_id", resp.RequestID)
		return fmt.Errorf("no agent link for session %s", sessionID)
	}
	return nil
}

// ReplayPendingInputsFromDB resends every undelivered input, oldest first,
// to a just-reconnected proxy. Stops early if the link closes mid-replay.
// Returns the number of inputs sent.
func (m *SessionManager) ReplayPendingInputsFromDB(ctx context.Context, sessionID string, sender Sender) (int, error) {
	pending, err := m.store.ListPendingInputs(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("loading pending inputs: %w", err)
	}
	sent := 0
	for _, in := range pending {
		env := protocol.MustEnvelope(protocol.TypeSequencedInput, sessionID, protocol.SequencedInput{
			SeqNum:  in.SeqNum,
			Content: json.RawMessage(in.Content),
		})
		if !sender.Send(env) {
			m.logger.Warn("link closed during input replay", "session_id", sessionID, "seq_num", in.SeqNum, "sent", sent)
			return sent, nil
		}
		sent++
	}
	if sent > 0 {
		m.logger.Info("replayed pending inputs", "session_id", sessionID, "count", sent)
	}
	return sent, nil
}

// ReplayPendingPermission resends the at-most-one pending permission request
// to a single just-connected client.
func (m *SessionManager) ReplayPendingPermission(ctx context.Context, sessionID string, client Sender) error {
	row, err := m.store.GetPendingPermission(ctx, sessionID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading pending permission: %w", err)
	}
	req := protocol.PermissionRequest{
		RequestID:   row.RequestID,
		ToolName:    row.ToolName,
		Input:       json.RawMessage(row.Input),
		Suggestions: json.RawMessage(row.Suggestions),
	}
	client.Send(protocol.MustEnvelope(protocol.TypePermissionRequest, sessionID, req))
	return nil
}

// QueueTruncation marks a session for the next retention sweep.
func (m *SessionManager) QueueTruncation(sessionID string) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if m.dirty == nil {
		m.dirty = make(map[string]struct{})
	}
	m.dirty[sessionID] = struct{}{}
}

// TakeDirtySessions drains and returns the truncation candidates.
func (m *SessionManager) TakeDirtySessions() []string {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirty = nil
	return ids
}

// Shutdown notifies every proxy link that the broker is going away and how
// long to wait before reconnecting.
func (m *SessionManager) Shutdown(reconnectDelay time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, proxy := range m.proxies {
		proxy.Send(protocol.MustEnvelope(protocol.TypeServerShutdown, key, protocol.ServerShutdown{
			Reason:           "broker restarting",
			ReconnectDelayMS: reconnectDelay.Milliseconds(),
		}))
	}
}
