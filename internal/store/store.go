// ABOUTME: Store interface and data types for portal persistence
// ABOUTME: Defines Session, Message, PendingInput structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/meawoppl/claude-code-portal-sub001/internal/auth"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session status constants
const (
	SessionStatusActive   = "active"
	SessionStatusExited   = "exited"
	SessionStatusReplaced = "replaced"
)

// Session represents one logical agent run. The id is stable for the run's
// lifetime; supersession creates a new row and marks the old one replaced.
type Session struct {
	ID           string
	SessionKey   string
	UserID       string
	Name         string
	WorkingDir   string
	GitBranch    string
	PRURL        string
	Status       string // "active", "exited", "replaced"
	ExitCode     *int
	ReplacedBy   string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	LastActivity time.Time
	CreatedAt    time.Time
}

// Message is one persisted agent output. Seq is nil for outputs that carried
// no sequence number (unsequenced system messages).
type Message struct {
	ID        string
	SessionID string
	Seq       *uint64
	Content   string
	CreatedAt time.Time
}

// PendingInput is user input not yet confirmed delivered to the agent.
// Rows are replayed in seq_num order on proxy reconnect and deleted once
// the proxy acknowledges delivery.
type PendingInput struct {
	SessionID string
	SeqNum    uint64
	Content   string
	CreatedAt time.Time
}

// PendingPermission is the at-most-one outstanding permission request for a
// session. A newer request for the same session replaces it.
type PendingPermission struct {
	SessionID   string
	RequestID   string
	ToolName    string
	Input       string
	Suggestions string
	CreatedAt   time.Time
}

// Usage is the per-user cost accumulator.
type Usage struct {
	UserID       string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	UpdatedAt    time.Time
}

// Store defines the interface for relay persistence
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string, exitCode *int) error
	MarkSessionReplaced(ctx context.Context, oldID, newID string) error
	UpdateSessionMeta(ctx context.Context, id, gitBranch, prURL string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	AddSessionUsage(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int64) error

	// Messages (persisted output log; authoritative for cross-restart replay)
	SaveMessage(ctx context.Context, msg *Message) error
	ListSessionMessages(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]*Message, error)
	CountSessionMessages(ctx context.Context, sessionID string) (int, error)
	MaxMessageSeq(ctx context.Context, sessionID string) (uint64, error)

	// Pending inputs (durable input queue)
	NextInputSeq(ctx context.Context, sessionID string) (uint64, error)
	SavePendingInput(ctx context.Context, in *PendingInput) error
	ListPendingInputs(ctx context.Context, sessionID string) ([]*PendingInput, error)
	DeletePendingInputsThrough(ctx context.Context, sessionID string, seqNum uint64) error

	// Pending permission requests (upsert keyed by session_id)
	UpsertPendingPermission(ctx context.Context, p *PendingPermission) error
	GetPendingPermission(ctx context.Context, sessionID string) (*PendingPermission, error)
	DeletePendingPermission(ctx context.Context, sessionID string) error

	// Per-user usage accumulator (upsert keyed by user_id)
	AddUserUsage(ctx context.Context, userID string, costUSD float64, inputTokens, outputTokens int64) error
	GetUserUsage(ctx context.Context, userID string) (*Usage, error)

	// API tokens
	CreateAPIToken(ctx context.Context, record *auth.TokenRecord) error
	GetAPIToken(ctx context.Context, id string) (*auth.TokenRecord, error)
	RevokeAPIToken(ctx context.Context, id string) error

	// Session snapshots (consumed exactly once)
	SaveSnapshot(ctx context.Context, sessionID string, snapshot []byte) error
	TakeSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	ListSnapshotSessionIDs(ctx context.Context) ([]string, error)

	// Retention
	DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	TruncateSessionMessages(ctx context.Context, sessionID string, maxMessages int) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
