// ABOUTME: Broker wires the session manager, store, auth, and HTTP/WebSocket surface.
// ABOUTME: Serves over plain TCP or an embedded tailscale node, with graceful shutdown.

package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/meawoppl/claude-code-portal-sub001/internal/auth"
	"github.com/meawoppl/claude-code-portal-sub001/internal/config"
	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

// shutdownReconnectDelay is what proxies are told to wait before redialing
// a restarting broker.
const shutdownReconnectDelay = 2 * time.Second

// Broker is the long-running relay server.
type Broker struct {
	config      *config.Config
	store       store.Store
	manager     *SessionManager
	jwtVerifier *auth.JWTVerifier
	apiVerifier *auth.APITokenVerifier
	logger      *slog.Logger

	// heartbeatTimeout bounds silence on an established link before the
	// broker tears it down.
	heartbeatTimeout time.Duration

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	sweeper     *Sweeper
}

// New builds a broker from config. The store is opened here and closed by
// Shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	b := &Broker{
		config:      cfg,
		store:       st,
		manager:     NewSessionManager(st, logger),
		jwtVerifier: jwtVerifier,
		apiVerifier: auth.NewAPITokenVerifier(st),
		logger:      logger.With("component", "broker"),

		heartbeatTimeout: cfg.Relay.HeartbeatTimeout,
	}
	b.sweeper = NewSweeper(st, b.manager, SweeperConfig{
		Interval:              cfg.Relay.SweepInterval,
		MessageMaxAge:         cfg.Relay.MessageMaxAge,
		MaxMessagesPerSession: cfg.Relay.MaxMessagesPerSession,
	}, logger)

	mux := http.NewServeMux()
	b.registerRoutes(mux)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b, nil
}

// Manager exposes the registry, mainly for tests and the sweeper.
func (b *Broker) Manager() *SessionManager {
	return b.manager
}

func (b *Broker) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)
	mux.HandleFunc("/ws/proxy", b.HandleProxyWS)
	mux.HandleFunc("/ws/client", b.HandleClientWS)
	mux.HandleFunc("GET /api/sessions", b.requireAuth(b.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}/messages", b.requireAuth(b.handleSessionMessages))
}

// Run starts the listeners and blocks until ctx is canceled or a server
// fails. Returns nil on graceful shutdown.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := b.setupListener(ctx)
	if err != nil {
		return err
	}

	b.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker listening", "addr", ln.Addr().String())
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := b.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown tells every proxy to reconnect later, stops the sweeper, and
// closes the HTTP server, tailscale node, and store.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.manager.Shutdown(shutdownReconnectDelay)
	b.sweeper.Stop()

	var errs []error
	if err := b.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if b.tsnetServer != nil {
		if err := b.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

func (b *Broker) setupListener(ctx context.Context) (net.Listener, error) {
	if b.config.Tailscale.Enabled {
		if b.config.Server.HTTPAddr != "" {
			b.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", b.config.Server.HTTPAddr)
		}
		return b.setupTailscaleListener(ctx)
	}
	return net.Listen("tcp", b.config.Server.HTTPAddr)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "portal-server", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up an embedded tailscale node and listens on
// it, optionally with auto-provisioned TLS or a public Funnel.
func (b *Broker) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := b.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	b.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	b.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := b.tsnetServer.Up(ctx)
	if err != nil {
		_ = b.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	b.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		b.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := b.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = b.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		b.logger.Info("enabling HTTPS with tailscale certs on :443")
		ln, err := b.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			_ = b.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := b.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			_ = b.tsnetServer.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := b.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = b.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func (b *Broker) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		b.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	b.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// HTTP API

func (b *Broker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Broker) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := b.store.ListSessions(r.Context(), "", 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireAuth wraps an API handler with bearer-token verification.
func (b *Broker) requireAuth(next func(w http.ResponseWriter, r *http.Request, identity *auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		identity, err := b.verifyToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r, identity)
	}
}

type sessionResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	WorkingDir   string    `json:"working_dir"`
	GitBranch    string    `json:"git_branch,omitempty"`
	PRURL        string    `json:"pr_url,omitempty"`
	Status       string    `json:"status"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Connected    bool      `json:"connected"`
	Clients      int       `json:"clients"`
	CostUSD      float64   `json:"cost_usd"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

func (b *Broker) handleListSessions(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	sessions, err := b.store.ListSessions(r.Context(), identity.UserID, 100)
	if err != nil {
		b.logger.Error("listing sessions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing sessions"})
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:           s.ID,
			Name:         s.Name,
			WorkingDir:   s.WorkingDir,
			GitBranch:    s.GitBranch,
			PRURL:        s.PRURL,
			Status:       s.Status,
			ExitCode:     s.ExitCode,
			Connected:    b.manager.ProxyConnected(s.ID),
			Clients:      b.manager.ClientCount(s.ID),
			CostUSD:      s.CostUSD,
			InputTokens:  s.InputTokens,
			OutputTokens: s.OutputTokens,
			LastActivity: s.LastActivity,
			CreatedAt:    s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type messageResponse struct {
	Seq       *uint64         `json:"seq,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

func (b *Broker) handleSessionMessages(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	sessionID := r.PathValue("id")

	sess, err := b.store.GetSession(r.Context(), sessionID)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		b.logger.Error("loading session", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading session"})
		return
	}
	if sess.UserID != "" && sess.UserID != identity.UserID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your session"})
		return
	}

	afterSeq := uint64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			afterSeq = parsed
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	msgs, err := b.store.ListSessionMessages(r.Context(), sessionID, afterSeq, limit)
	if err != nil {
		b.logger.Error("listing messages", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing messages"})
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			Seq:       m.Seq,
			Content:   json.RawMessage(m.Content),
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
