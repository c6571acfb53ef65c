// ABOUTME: WebSocket link handlers for proxy and client connections.
// ABOUTME: Register-first handshake, per-link writer goroutine, heartbeat echo.

package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meawoppl/claude-code-portal-sub001/internal/auth"
	"github.com/meawoppl/claude-code-portal-sub001/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

const (
	linkQueueSize     = 64
	registerDeadline  = 15 * time.Second
	writeWaitDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the app origin; the proxy is not a
	// browser. Origin enforcement belongs to the reverse proxy in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsLink adapts one websocket connection to the Sender interface. Writes go
// through a buffered queue drained by a single writer goroutine, so Send
// never blocks a routing path.
type wsLink struct {
	conn *websocket.Conn
	out  chan *protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSLink(conn *websocket.Conn) *wsLink {
	l := &wsLink{
		conn:   conn,
		out:    make(chan *protocol.Envelope, linkQueueSize),
		closed: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *wsLink) writeLoop() {
	for {
		select {
		case <-l.closed:
			return
		case env := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWaitDeadline))
			if err := l.conn.WriteJSON(env); err != nil {
				l.Close()
				return
			}
		}
	}
}

// Send queues a message without blocking. False means the link is closed or
// its queue is full; the caller treats the message as undeliverable.
func (l *wsLink) Send(env *protocol.Envelope) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.out <- env:
		return true
	default:
		return false
	}
}

func (l *wsLink) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// linkReadTimeout bounds the silence tolerated on an established link.
// Heartbeats reset it on every read.
func (b *Broker) linkReadTimeout() time.Duration {
	if b.heartbeatTimeout > 0 {
		return b.heartbeatTimeout
	}
	return 45 * time.Second
}

// verifyToken dispatches between opaque API tokens and JWTs.
func (b *Broker) verifyToken(ctx context.Context, token string) (*auth.Identity, error) {
	if auth.IsAPIToken(token) {
		return b.apiVerifier.Verify(ctx, token)
	}
	return b.jwtVerifier.Verify(token)
}

// HandleProxyWS serves the agent-side link. The first message must be a
// register; everything after that is relay traffic.
func (b *Broker) HandleProxyWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrading proxy connection", "error", err)
		return
	}
	link := newWSLink(conn)
	defer link.Close()

	ctx := r.Context()
	reg, env, err := readRegister(conn)
	if err != nil {
		b.logger.Warn("proxy register failed", "error", err)
		return
	}
	sessionID := env.SessionID

	identity, err := b.verifyToken(ctx, reg.Token)
	if err != nil {
		b.logger.Warn("proxy auth rejected", "session_id", sessionID, "error", err)
		link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{Result: protocol.RegisterUnauthorized}))
		b.flushAndClose(link)
		return
	}
	logger := b.logger.With("session_id", sessionID, "user_id", identity.UserID)

	// A resuming proxy must find its row; a missing row means the broker
	// lost it and the proxy should supersede with a fresh id.
	if reg.Resuming {
		if _, err := b.store.GetSession(ctx, sessionID); err == store.ErrNotFound {
			logger.Info("resume for unknown session")
			link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{Result: protocol.RegisterSessionNotFound}))
			b.flushAndClose(link)
			return
		} else if err != nil {
			logger.Error("loading session", "error", err)
			return
		}
	}

	if reg.ReplacesSessionID != "" {
		if err := b.store.MarkSessionReplaced(ctx, reg.ReplacesSessionID, sessionID); err != nil && err != store.ErrNotFound {
			logger.Error("marking session replaced", "old_session_id", reg.ReplacesSessionID, "error", err)
		}
		// Clients watching the old id would otherwise go silent; tell them
		// where the session went so they can re-attach.
		b.manager.BroadcastToWebClients(reg.ReplacesSessionID, protocol.MustEnvelope(
			protocol.TypeSessionUpdate, reg.ReplacesSessionID, protocol.SessionUpdate{
				Status:     store.SessionStatusReplaced,
				ReplacedBy: sessionID,
			}))
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           sessionID,
		SessionKey:   reg.SessionKey,
		UserID:       identity.UserID,
		Name:         reg.SessionName,
		WorkingDir:   reg.WorkingDirectory,
		GitBranch:    reg.GitBranch,
		Status:       store.SessionStatusActive,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := b.store.UpsertSession(ctx, sess); err != nil {
		logger.Error("persisting session", "error", err)
		return
	}

	// Reseed the ack mark from the durable log so a restarted broker still
	// dedups retransmissions correctly.
	if maxSeq, err := b.store.MaxMessageSeq(ctx, sessionID); err == nil {
		b.manager.SetLastAckSeq(sessionID, maxSeq)
	} else {
		logger.Warn("reseeding ack mark", "error", err)
	}

	lastAck := b.manager.LastAckSeq(sessionID)
	if !link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{
		Result:     protocol.RegisterOK,
		LastAckSeq: lastAck,
	})) {
		return
	}

	if old := b.manager.RegisterProxy(sessionID, link); old != nil {
		if oldLink, ok := old.(*wsLink); ok {
			oldLink.Close()
		}
	}
	defer b.manager.UnregisterProxy(sessionID, link)
	logger.Info("proxy linked", "last_ack_seq", lastAck)

	if _, err := b.manager.ReplayPendingInputsFromDB(ctx, sessionID, link); err != nil {
		logger.Error("replaying pending inputs", "error", err)
	}

	b.proxyReadLoop(ctx, logger, sessionID, link)
	logger.Info("proxy unlinked")
}

func (b *Broker) proxyReadLoop(ctx context.Context, logger *slog.Logger, sessionID string, link *wsLink) {
	for {
		// Heartbeats arrive well inside this window on a healthy link. A
		// link that goes silent past it is dead and must be torn down, or
		// its registration would keep swallowing traffic.
		_ = link.conn.SetReadDeadline(time.Now().Add(b.linkReadTimeout()))
		_, raw, err := link.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(raw)
		if err != nil {
			logger.Warn("dropping malformed proxy message", "error", err)
			continue
		}
		if env.SessionID != "" && env.SessionID != sessionID {
			logger.Warn("session id mismatch on proxy link", "got", env.SessionID)
			continue
		}

		switch env.Type {
		case protocol.TypeClaudeOutput:
			var out protocol.ClaudeOutput
			if err := env.Decode(&out); err != nil {
				logger.Warn("bad claude_output", "error", err)
				continue
			}
			if err := b.manager.HandleClaudeOutput(ctx, sessionID, env.Seq, out.Content, link); err != nil {
				logger.Error("handling output", "seq", env.Seq, "error", err)
			}

		case protocol.TypeInputAck:
			var ack protocol.InputAck
			if err := env.Decode(&ack); err != nil {
				logger.Warn("bad input_ack", "error", err)
				continue
			}
			if err := b.manager.HandleInputAck(ctx, sessionID, ack.SeqNum); err != nil {
				logger.Error("handling input ack", "error", err)
			}

		case protocol.TypePermissionRequest:
			var req protocol.PermissionRequest
			if err := env.Decode(&req); err != nil {
				logger.Warn("bad permission_request", "error", err)
				continue
			}
			if err := b.manager.HandlePermissionRequest(ctx, sessionID, req); err != nil {
				logger.Error("handling permission request", "error", err)
			}

		case protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			_ = env.Decode(&hb)
			link.Send(protocol.MustEnvelope(protocol.TypeHeartbeatAck, sessionID, hb))

		case protocol.TypeSessionUpdate:
			var upd protocol.SessionUpdate
			if err := env.Decode(&upd); err != nil {
				logger.Warn("bad session_update", "error", err)
				continue
			}
			b.applySessionUpdate(ctx, logger, sessionID, upd)

		default:
			logger.Warn("unknown message type from proxy", "type", env.Type)
		}
	}
}

func (b *Broker) applySessionUpdate(ctx context.Context, logger *slog.Logger, sessionID string, upd protocol.SessionUpdate) {
	if upd.GitBranch != "" || upd.PRURL != "" {
		if err := b.store.UpdateSessionMeta(ctx, sessionID, upd.GitBranch, upd.PRURL); err != nil {
			logger.Error("updating session metadata", "error", err)
		}
	}
	if upd.Status != "" {
		if err := b.store.UpdateSessionStatus(ctx, sessionID, upd.Status, upd.ExitCode); err != nil {
			logger.Error("updating session status", "status", upd.Status, "error", err)
		}
	}
	b.manager.BroadcastToWebClients(sessionID, protocol.MustEnvelope(protocol.TypeSessionUpdate, sessionID, upd))
}

// HandleClientWS serves the browser-side link. The first message must be a
// register naming the session to attach to; persisted history after
// replay_after is resent, followed by the pending permission request if any.
func (b *Broker) HandleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrading client connection", "error", err)
		return
	}
	link := newWSLink(conn)
	defer link.Close()

	ctx := r.Context()
	reg, env, err := readRegister(conn)
	if err != nil {
		b.logger.Warn("client register failed", "error", err)
		return
	}
	sessionID := env.SessionID

	identity, err := b.verifyToken(ctx, reg.Token)
	if err != nil {
		b.logger.Warn("client auth rejected", "session_id", sessionID, "error", err)
		link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{Result: protocol.RegisterUnauthorized}))
		b.flushAndClose(link)
		return
	}
	logger := b.logger.With("session_id", sessionID, "user_id", identity.UserID, "link", "client")

	// Clients may attach by the stable session key instead of a concrete id;
	// the key follows the session across supersession, the id does not.
	var sess *store.Session
	if sessionID == "" && reg.SessionKey != "" {
		sess, err = b.store.GetSessionByKey(ctx, reg.SessionKey)
	} else {
		sess, err = b.store.GetSession(ctx, sessionID)
	}
	if err == store.ErrNotFound {
		link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{Result: protocol.RegisterSessionNotFound}))
		b.flushAndClose(link)
		return
	}
	if err != nil {
		logger.Error("loading session", "error", err)
		return
	}
	if sessionID != sess.ID {
		sessionID = sess.ID
		logger = logger.With("resolved_session_id", sessionID)
	}
	if sess.UserID != "" && sess.UserID != identity.UserID {
		logger.Warn("client denied: session belongs to another user")
		link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{Result: protocol.RegisterUnauthorized}))
		b.flushAndClose(link)
		return
	}

	if !link.Send(protocol.MustEnvelope(protocol.TypeRegisterAck, sessionID, protocol.RegisterAck{
		Result:     protocol.RegisterOK,
		LastAckSeq: b.manager.LastAckSeq(sessionID),
	})) {
		return
	}

	b.manager.RegisterClient(sessionID, link)
	defer b.manager.UnregisterClient(sessionID, link)
	logger.Info("client linked", "replay_after", reg.ReplayAfter)

	b.replayHistory(ctx, logger, sessionID, reg.ReplayAfter, link)
	if err := b.manager.ReplayPendingPermission(ctx, sessionID, link); err != nil {
		logger.Error("replaying pending permission", "error", err)
	}

	b.clientReadLoop(ctx, logger, sessionID, link)
	logger.Info("client unlinked")
}

// replayHistory resends the persisted output log after the client's
// high-water mark. Durable storage, not the in-memory buffer, is the source
// of truth across restarts.
func (b *Broker) replayHistory(ctx context.Context, logger *slog.Logger, sessionID string, afterSeq uint64, link *wsLink) {
	msgs, err := b.store.ListSessionMessages(ctx, sessionID, afterSeq, 0)
	if err != nil {
		logger.Error("loading message history", "error", err)
		return
	}
	for _, msg := range msgs {
		env := protocol.MustEnvelope(protocol.TypeClaudeOutput, sessionID, protocol.ClaudeOutput{
			Content: json.RawMessage(msg.Content),
		})
		if msg.Seq != nil {
			env.Seq = *msg.Seq
		}
		if !link.Send(env) {
			logger.Warn("link closed during history replay")
			return
		}
	}
}

func (b *Broker) clientReadLoop(ctx context.Context, logger *slog.Logger, sessionID string, link *wsLink) {
	for {
		_ = link.conn.SetReadDeadline(time.Now().Add(b.linkReadTimeout()))
		_, raw, err := link.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(raw)
		if err != nil {
			logger.Warn("dropping malformed client message", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeUserInput:
			var in protocol.UserInput
			if err := env.Decode(&in); err != nil {
				logger.Warn("bad user_input", "error", err)
				continue
			}
			if _, err := b.manager.HandleUserInput(ctx, sessionID, in.Content); err != nil {
				logger.Error("handling user input", "error", err)
				link.Send(protocol.MustEnvelope(protocol.TypeError, sessionID, protocol.ErrorMessage{
					Code:    "input_failed",
					Message: "input could not be queued",
				}))
			}

		case protocol.TypePermissionResponse:
			var resp protocol.PermissionResponse
			if err := env.Decode(&resp); err != nil {
				logger.Warn("bad permission_response", "error", err)
				continue
			}
			if err := b.manager.HandlePermissionResponse(ctx, sessionID, resp); err != nil {
				logger.Warn("permission response not delivered", "request_id", resp.RequestID, "error", err)
				link.Send(protocol.MustEnvelope(protocol.TypeError, sessionID, protocol.ErrorMessage{
					Code:    "agent_unavailable",
					Message: "agent is not connected",
				}))
			}

		case protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			_ = env.Decode(&hb)
			link.Send(protocol.MustEnvelope(protocol.TypeHeartbeatAck, sessionID, hb))

		default:
			logger.Warn("unknown message type from client", "type", env.Type)
		}
	}
}

// readRegister reads and validates the mandatory first message on a link.
func readRegister(conn *websocket.Conn) (*protocol.Register, *protocol.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	env, err := protocol.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	if env.Type != protocol.TypeRegister {
		return nil, nil, errUnexpectedFirstMessage(env.Type)
	}
	var reg protocol.Register
	if err := env.Decode(&reg); err != nil {
		return nil, nil, err
	}
	if env.SessionID == "" {
		env.SessionID = reg.SessionID
	}
	return &reg, env, nil
}

type errUnexpectedFirstMessage string

func (e errUnexpectedFirstMessage) Error() string {
	return "expected register as first message, got " + string(e)
}

// flushAndClose gives the writer a moment to deliver a final rejection
// before tearing the link down.
func (b *Broker) flushAndClose(link *wsLink) {
	time.Sleep(100 * time.Millisecond)
	link.Close()
}
