// ABOUTME: ConnectionLoop drives one AgentSession's traffic over a broker link.
// ABOUTME: Registers, replays unacked output, tracks heartbeats, reconnects with backoff.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meawoppl/claude-code-portal-sub001/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub001/internal/session"
)

// Loop errors
var (
	ErrUnauthorized = errors.New("broker rejected credentials")
)

// SpawnFunc creates a fresh AgentSession, used when a superseded session must
// be restarted under a new id.
type SpawnFunc func(cfg session.Config) (*session.AgentSession, error)

// LoopConfig holds the connection parameters for one relay link.
type LoopConfig struct {
	ServerURL         string // ws(s)://host/ws/proxy
	Token             string
	SessionName       string
	SessionKey        string // stable routing key, survives supersession
	ClientVersion     string
	GitBranch         string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
}

// connection attempt outcomes
type connResult int

const (
	connDropped connResult = iota // transient: retry with backoff
	connShutdown                  // broker asked us to go away briefly
	connNotFound                  // broker does not know this session
	connUnauthorized              // credentials rejected: permanent
	connSessionEnded              // agent exited: loop is done
	connCanceled                  // context canceled
)

// ConnectionLoop maintains exactly one network link for an AgentSession,
// reconnecting indefinitely until the session ends or the context is
// canceled.
type ConnectionLoop struct {
	cfg     LoopConfig
	spawn   SpawnFunc
	tracker *HeartbeatTracker
	dialer  *websocket.Dialer
	logger  *slog.Logger

	// sess is replaced on supersession. Only the Run goroutine writes it;
	// sessMu lets other goroutines read the current session safely.
	sessMu sync.RWMutex
	sess   *session.AgentSession

	// lastAcked is the highest output seq the broker has acknowledged.
	lastAcked uint64

	// replaces carries the superseded session id for the next register.
	replaces string

	// shutdownDelay is the broker-requested wait after a server_shutdown.
	shutdownDelay time.Duration

	exitCode int
}

// NewConnectionLoop creates a loop for an already-running session.
func NewConnectionLoop(cfg LoopConfig, sess *session.AgentSession, spawn SpawnFunc, logger *slog.Logger) *ConnectionLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &ConnectionLoop{
		cfg:     cfg,
		sess:    sess,
		spawn:   spawn,
		tracker: NewHeartbeatTracker(cfg.HeartbeatTimeout),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger:  logger.With("component", "connection-loop", "session_id", sess.ID()),
	}
}

// Session returns the loop's current agent session; it changes on
// supersession.
func (l *ConnectionLoop) Session() *session.AgentSession {
	l.sessMu.RLock()
	defer l.sessMu.RUnlock()
	return l.sess
}

// SessionID returns the current session id; it changes on supersession.
func (l *ConnectionLoop) SessionID() string {
	return l.Session().ID()
}

// ExitCode returns the agent exit code once Run has returned.
func (l *ConnectionLoop) ExitCode() int {
	return l.exitCode
}

// Run connects, relays, and reconnects until the agent session ends, the
// credentials are rejected, or ctx is canceled. The backoff attempt counter
// resets on every successful registration.
func (l *ConnectionLoop) Run(ctx context.Context) error {
	// Resolve at exit time: supersession swaps the session mid-run.
	defer func() { l.Session().Stop() }()

	attempt := 0
	for {
		result, registered := l.connectOnce(ctx)
		if registered {
			attempt = 0
		}

		switch result {
		case connSessionEnded:
			l.logger.Info("session ended", "exit_code", l.exitCode)
			return nil
		case connUnauthorized:
			return ErrUnauthorized
		case connCanceled:
			return ctx.Err()
		case connNotFound:
			if !l.sess.Config().Resume {
				l.logger.Info("session not found and not resuming; ending")
				return nil
			}
			if err := l.supersede(); err != nil {
				return fmt.Errorf("restarting superseded session: %w", err)
			}
			continue
		case connShutdown:
			// Server-requested delay, not a failure: no attempt penalty.
			if !l.wait(ctx, l.shutdownDelay) {
				return ctx.Err()
			}
			continue
		}

		delay := CalculateBackoff(attempt)
		attempt++
		l.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		if !l.wait(ctx, delay) {
			return ctx.Err()
		}
	}
}

// supersede fabricates a new session id, records the old one for the broker
// to mark replaced, and restarts the agent fresh.
func (l *ConnectionLoop) supersede() error {
	oldID := l.sess.ID()
	l.sess.Stop()

	cfg := l.sess.Config()
	cfg.SessionID = uuid.New().String()
	cfg.Resume = false

	fresh, err := l.spawn(cfg)
	if err != nil {
		return err
	}

	l.logger.Info("session superseded", "old_session_id", oldID, "new_session_id", cfg.SessionID)
	l.sessMu.Lock()
	l.sess = fresh
	l.sessMu.Unlock()
	l.replaces = oldID
	l.lastAcked = 0
	l.logger = l.logger.With("session_id", cfg.SessionID)
	return nil
}

func (l *ConnectionLoop) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// connectOnce performs one full connection attempt: dial, register, replay,
// then relay until the link drops. registered reports whether registration
// succeeded (used to reset the backoff counter).
func (l *ConnectionLoop) connectOnce(ctx context.Context) (result connResult, registered bool) {
	conn, _, err := l.dialer.DialContext(ctx, l.cfg.ServerURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return connCanceled, false
		}
		l.logger.Warn("dial failed", "error", err)
		return connDropped, false
	}
	defer conn.Close()

	sessCfg := l.sess.Config()
	reg := protocol.Register{
		SessionID:         sessCfg.SessionID,
		SessionName:       l.cfg.SessionName,
		SessionKey:        l.cfg.SessionKey,
		Token:             l.cfg.Token,
		WorkingDirectory:  sessCfg.WorkingDir,
		Resuming:          sessCfg.Resume,
		GitBranch:         l.cfg.GitBranch,
		ReplayAfter:       l.lastAcked,
		ClientVersion:     l.cfg.ClientVersion,
		ReplacesSessionID: l.replaces,
	}
	if err := writeEnvelope(conn, protocol.TypeRegister, sessCfg.SessionID, 0, reg); err != nil {
		l.logger.Warn("sending register", "error", err)
		return connDropped, false
	}

	ack, err := l.readRegisterAck(conn)
	if err != nil {
		l.logger.Warn("register failed", "error", err)
		return connDropped, false
	}
	switch ack.Result {
	case protocol.RegisterOK:
	case protocol.RegisterSessionNotFound:
		return connNotFound, false
	case protocol.RegisterUnauthorized:
		return connUnauthorized, false
	default:
		l.logger.Warn("unknown register result", "result", ack.Result)
		return connDropped, false
	}

	// Registered: the old session is now marked replaced server-side.
	l.replaces = ""
	l.tracker.Reset()
	l.logger.Info("registered with broker", "last_ack_seq", ack.LastAckSeq)

	// Replay everything the broker has not acknowledged, oldest first.
	if ack.LastAckSeq > l.lastAcked {
		l.lastAcked = ack.LastAckSeq
	}
	l.sess.Buffer().EvictAcked(l.lastAcked)
	entries, gapped := l.sess.Buffer().DrainSince(l.lastAcked)
	if gapped {
		l.logger.Warn("output buffer has evicted unacked entries; durable log covers the gap")
	}
	for _, e := range entries {
		if err := writeEnvelope(conn, protocol.TypeClaudeOutput, l.sess.ID(), e.Seq,
			protocol.ClaudeOutput{Content: e.Content}); err != nil {
			l.logger.Warn("replaying output", "seq", e.Seq, "error", err)
			return connDropped, true
		}
	}

	return l.relay(ctx, conn), true
}

func (l *ConnectionLoop) readRegisterAck(conn *websocket.Conn) (*protocol.RegisterAck, error) {
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.DialTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := protocol.Parse(raw)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeRegisterAck {
		return nil, fmt.Errorf("expected register_ack, got %s", env.Type)
	}
	var ack protocol.RegisterAck
	if err := env.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// relay is the steady-state loop: agent events out, broker messages in,
// heartbeats on a ticker.
func (l *ConnectionLoop) relay(ctx context.Context, conn *websocket.Conn) connResult {
	incoming := make(chan *protocol.Envelope, 32)
	readErr := make(chan error, 1)
	// relay can return with incoming still full; readerDone unparks the
	// reader so it never outlives this connection attempt.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.Parse(raw)
			if err != nil {
				l.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			select {
			case incoming <- env:
			case <-readerDone:
				return
			}
		}
	}()

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return connCanceled

		case err := <-readErr:
			l.logger.Info("link closed", "error", err)
			return connDropped

		case env := <-incoming:
			if result, done := l.handleIncoming(conn, env); done {
				return result
			}

		case ev, ok := <-l.sess.Events():
			if !ok {
				return connSessionEnded
			}
			if err := l.handleEvent(conn, ev); err != nil {
				l.logger.Warn("sending to broker", "error", err)
				return connDropped
			}

		case <-ticker.C:
			if l.tracker.IsExpired() {
				l.logger.Warn("heartbeat timeout; forcing reconnect")
				conn.Close()
				return connDropped
			}
			hb := protocol.Heartbeat{SentAtMS: time.Now().UnixMilli()}
			if err := writeEnvelope(conn, protocol.TypeHeartbeat, l.sess.ID(), 0, hb); err != nil {
				return connDropped
			}
		}
	}
}

// handleIncoming dispatches one broker message. done reports that the
// connection attempt is over.
func (l *ConnectionLoop) handleIncoming(conn *websocket.Conn, env *protocol.Envelope) (connResult, bool) {
	switch env.Type {
	case protocol.TypeSequencedInput:
		var in protocol.SequencedInput
		if err := env.Decode(&in); err != nil {
			l.logger.Warn("bad sequenced_input", "error", err)
			return 0, false
		}
		if err := l.sess.SendInput(in.Content); err != nil {
			l.logger.Error("delivering input to agent", "seq_num", in.SeqNum, "error", err)
			return 0, false
		}
		// Delivered: tell the broker it can drop the pending row.
		if err := writeEnvelope(conn, protocol.TypeInputAck, l.sess.ID(), 0,
			protocol.InputAck{SeqNum: in.SeqNum}); err != nil {
			return connDropped, true
		}

	case protocol.TypePermissionResponse:
		var resp protocol.PermissionResponse
		if err := env.Decode(&resp); err != nil {
			l.logger.Warn("bad permission_response", "error", err)
			return 0, false
		}
		if err := l.sess.RespondPermission(session.PermissionResponse{
			RequestID:   resp.RequestID,
			Allow:       resp.Allow,
			Input:       resp.Input,
			Permissions: resp.Permissions,
			Reason:      resp.Reason,
		}); err != nil {
			l.logger.Warn("permission response rejected", "request_id", resp.RequestID, "error", err)
		}

	case protocol.TypeOutputAck:
		var ack protocol.OutputAck
		if err := env.Decode(&ack); err != nil {
			l.logger.Warn("bad output_ack", "error", err)
			return 0, false
		}
		if ack.AckSeq > l.lastAcked {
			l.lastAcked = ack.AckSeq
		}
		l.sess.Buffer().EvictAcked(ack.AckSeq)

	case protocol.TypeHeartbeatAck:
		l.tracker.Received()

	case protocol.TypeServerShutdown:
		var sd protocol.ServerShutdown
		delay := CalculateBackoff(0)
		if err := env.Decode(&sd); err == nil && sd.ReconnectDelayMS > 0 {
			delay = time.Duration(sd.ReconnectDelayMS) * time.Millisecond
		}
		l.shutdownDelay = delay
		l.logger.Info("broker shutting down", "reason", sd.Reason, "reconnect_delay", delay)
		return connShutdown, true

	case protocol.TypeError:
		var em protocol.ErrorMessage
		_ = env.Decode(&em)
		l.logger.Warn("broker error", "code", em.Code, "message", em.Message)

	default:
		l.logger.Warn("unknown message type from broker", "type", env.Type)
	}
	return 0, false
}

// handleEvent forwards one agent event to the broker.
func (l *ConnectionLoop) handleEvent(conn *websocket.Conn, ev session.Event) error {
	switch ev.Type {
	case session.EventOutput:
		return writeEnvelope(conn, protocol.TypeClaudeOutput, l.sess.ID(), ev.Seq,
			protocol.ClaudeOutput{Content: ev.Output})

	case session.EventPermissionRequest:
		return writeEnvelope(conn, protocol.TypePermissionRequest, l.sess.ID(), 0,
			protocol.PermissionRequest{
				RequestID:   ev.Permission.RequestID,
				ToolName:    ev.Permission.ToolName,
				Input:       ev.Permission.Input,
				Suggestions: ev.Permission.Suggestions,
			})

	case session.EventExited:
		l.exitCode = ev.ExitCode
		code := ev.ExitCode
		return writeEnvelope(conn, protocol.TypeSessionUpdate, l.sess.ID(), 0,
			protocol.SessionUpdate{Status: "exited", ExitCode: &code})

	case session.EventError:
		l.logger.Error("agent session error", "error", ev.Err)
	}
	return nil
}

func writeEnvelope(conn *websocket.Conn, msgType, sessionID string, seq uint64, payload any) error {
	env, err := protocol.NewEnvelope(msgType, sessionID, payload)
	if err != nil {
		return err
	}
	env.Seq = seq
	return conn.WriteJSON(env)
}
