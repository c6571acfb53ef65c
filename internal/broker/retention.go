// ABOUTME: Periodic retention sweep over the persisted message log.
// ABOUTME: Ages out old messages and truncates dirty sessions to a row cap.

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

// SweeperConfig controls the retention sweep.
type SweeperConfig struct {
	Interval              time.Duration
	MessageMaxAge         time.Duration
	MaxMessagesPerSession int
}

// Sweeper periodically deletes messages past the age cutoff and truncates
// sessions the manager has flagged dirty down to the per-session cap.
type Sweeper struct {
	store   store.Store
	manager *SessionManager
	cfg     SweeperConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper creates a sweeper; call Start to begin sweeping.
func NewSweeper(st store.Store, manager *SessionManager, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Sweeper{
		store:   st,
		manager: manager,
		cfg:     cfg,
		logger:  logger.With("component", "retention-sweeper"),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		} else {
			close(s.done)
		}
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Exported for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.cfg.MessageMaxAge > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.MessageMaxAge)
		deleted, err := s.store.DeleteMessagesOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("deleting aged messages", "error", err)
		} else if deleted > 0 {
			s.logger.Info("deleted aged messages", "count", deleted, "cutoff", cutoff)
		}
	}

	if s.cfg.MaxMessagesPerSession <= 0 {
		return
	}
	for _, sessionID := range s.manager.TakeDirtySessions() {
		truncated, err := s.store.TruncateSessionMessages(ctx, sessionID, s.cfg.MaxMessagesPerSession)
		if err != nil {
			s.logger.Error("truncating session messages", "session_id", sessionID, "error", err)
			// Leave it dirty so the next sweep retries.
			s.manager.QueueTruncation(sessionID)
			continue
		}
		if truncated > 0 {
			s.logger.Info("truncated session messages", "session_id", sessionID, "count", truncated)
		}
	}
}
