// ABOUTME: ProcessManager supervises a bounded set of agent sessions and their relay loops.
// ABOUTME: Enforces a capacity limit, reaps exits, and snapshots sessions across restarts.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meawoppl/claude-code-portal-sub001/internal/session"
)

// Manager errors
var (
	ErrAtCapacity       = errors.New("session limit reached")
	ErrInvalidDirectory = errors.New("working directory does not exist")
	ErrSessionNotFound  = errors.New("no such session")
)

// SnapshotStore persists session snapshots between proxy restarts.
// *store.SQLiteStore satisfies it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionID string, snapshot []byte) error
	TakeSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	ListSnapshotSessionIDs(ctx context.Context) ([]string, error)
}

// ManagerConfig configures a ProcessManager.
type ManagerConfig struct {
	MaxSessions   int
	AgentCmd      string
	AgentArgs     []string
	Loop          LoopConfig // template; per-session fields are filled at spawn
	ClientVersion string
}

// SessionInfo is a point-in-time view of one managed session.
type SessionInfo struct {
	SessionID   string
	DisplayName string
	WorkingDir  string
	State       session.State
	ExitCode    int
}

// handle tracks one relay loop. The current session is always read through
// the loop; supersession swaps it mid-run.
type handle struct {
	loop   *ConnectionLoop
	cancel context.CancelFunc
	done   chan struct{}
}

// ProcessManager owns every agent session spawned by this proxy. All methods
// are safe for concurrent use.
type ProcessManager struct {
	cfg    ManagerConfig
	snaps  SnapshotStore
	logger *slog.Logger

	slots *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*handle

	wg sync.WaitGroup
}

// NewProcessManager creates a manager with the given capacity. snaps may be
// nil; snapshot persistence is then disabled.
func NewProcessManager(cfg ManagerConfig, snaps SnapshotStore, logger *slog.Logger) *ProcessManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	return &ProcessManager{
		cfg:      cfg,
		snaps:    snaps,
		logger:   logger.With("component", "process-manager"),
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		sessions: make(map[string]*handle),
	}
}

// SpawnRequest describes a new session to start.
type SpawnRequest struct {
	DisplayName string
	WorkingDir  string
	AgentType   string
}

// Spawn starts a new agent session and its relay loop. It fails fast when
// the capacity limit is reached or the working directory is missing.
func (m *ProcessManager) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	info, err := os.Stat(req.WorkingDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidDirectory, req.WorkingDir)
	}
	if !m.slots.TryAcquire(1) {
		return "", fmt.Errorf("%w (max %d)", ErrAtCapacity, m.cfg.MaxSessions)
	}

	cfg := session.Config{
		SessionID:   uuid.New().String(),
		Command:     m.cfg.AgentCmd,
		Args:        m.cfg.AgentArgs,
		WorkingDir:  req.WorkingDir,
		DisplayName: req.DisplayName,
		AgentType:   req.AgentType,
	}
	if err := m.start(ctx, cfg, nil); err != nil {
		m.slots.Release(1)
		return "", err
	}
	return cfg.SessionID, nil
}

// start spawns the subprocess and launches the relay loop goroutine. snap,
// when non-nil, carries unacked output from a previous run into the new
// session's buffer. The caller has already acquired a capacity slot; it is
// released when the loop finishes.
func (m *ProcessManager) start(ctx context.Context, cfg session.Config, snap *session.Snapshot) error {
	sess, err := session.New(cfg, m.logger)
	if err != nil {
		return err
	}
	if snap != nil && len(snap.Outputs) > 0 {
		sess.Buffer().Restore(snap.Outputs)
	}

	loopCfg := m.cfg.Loop
	loopCfg.SessionName = cfg.DisplayName
	loopCfg.SessionKey = cfg.DisplayName
	loopCfg.ClientVersion = m.cfg.ClientVersion

	spawn := func(c session.Config) (*session.AgentSession, error) {
		return session.New(c, m.logger)
	}
	loop := NewConnectionLoop(loopCfg, sess, spawn, m.logger)

	loopCtx, cancel := context.WithCancel(ctx)
	h := &handle{loop: loop, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[cfg.SessionID] = h
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", cfg.SessionID,
		"name", cfg.DisplayName,
		"working_dir", cfg.WorkingDir,
		"restored", snap != nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.slots.Release(1)
		defer close(h.done)

		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("relay loop failed", "session_id", cfg.SessionID, "error", err)
		}

		// Supersession may have changed the id mid-run; remove both.
		m.mu.Lock()
		delete(m.sessions, cfg.SessionID)
		delete(m.sessions, loop.SessionID())
		m.mu.Unlock()
	}()
	return nil
}

// Stop cancels a session's relay loop and kills its subprocess. Accepts
// either the spawn-time id or the current id after supersession.
func (m *ProcessManager) Stop(sessionID string) error {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	if !ok {
		for _, cand := range m.sessions {
			if cand.loop.SessionID() == sessionID {
				h, ok = cand, true
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	h.loop.Session().Stop()
	h.cancel()
	<-h.done
	return nil
}

// List returns a snapshot of every managed session.
func (m *ProcessManager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	seen := make(map[string]bool, len(m.sessions))
	for _, h := range m.sessions {
		sess := h.loop.Session()
		id := sess.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		cfg := sess.Config()
		infos = append(infos, SessionInfo{
			SessionID:   id,
			DisplayName: cfg.DisplayName,
			WorkingDir:  cfg.WorkingDir,
			State:       sess.State(),
			ExitCode:    sess.ExitCode(),
		})
	}
	return infos
}

// Count returns the number of live sessions.
func (m *ProcessManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown persists a snapshot of every live session, then stops them all
// and waits for their loops to finish.
func (m *ProcessManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		sess := h.loop.Session()
		if m.snaps != nil {
			snap := sess.Snapshot()
			data, err := snap.Encode()
			if err == nil {
				err = m.snaps.SaveSnapshot(ctx, sess.ID(), data)
			}
			if err != nil {
				m.logger.Error("saving session snapshot", "session_id", sess.ID(), "error", err)
			}
		}
		sess.Stop()
		h.cancel()
	}
	m.wg.Wait()
}

// RestoreAll consumes every persisted snapshot and respawns the sessions
// that were running at shutdown. Snapshots for sessions that were not
// running are discarded.
func (m *ProcessManager) RestoreAll(ctx context.Context) (int, error) {
	if m.snaps == nil {
		return 0, nil
	}
	ids, err := m.snaps.ListSnapshotSessionIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}

	restored := 0
	for _, id := range ids {
		data, err := m.snaps.TakeSnapshot(ctx, id)
		if err != nil {
			m.logger.Error("reading snapshot", "session_id", id, "error", err)
			continue
		}
		snap, err := session.DecodeSnapshot(data)
		if err != nil {
			m.logger.Error("decoding snapshot", "session_id", id, "error", err)
			continue
		}
		if !snap.WasRunning {
			continue
		}
		if !m.slots.TryAcquire(1) {
			m.logger.Warn("capacity reached during restore; skipping", "session_id", id)
			continue
		}
		cfg := snap.Config
		cfg.Resume = true
		if err := m.start(ctx, cfg, snap); err != nil {
			m.slots.Release(1)
			m.logger.Error("restoring session", "session_id", id, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}
