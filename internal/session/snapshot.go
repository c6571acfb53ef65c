// ABOUTME: Serializable capture of a session used to survive process restarts.
// ABOUTME: Created on shutdown, consumed exactly once to reconstruct a session.

package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is a point-in-time capture of a session: its launch config, the
// buffered outputs not yet acknowledged, the single pending permission
// request if any, and whether the subprocess was running when captured.
type Snapshot struct {
	Config            Config             `json:"config"`
	Outputs           []BufferedOutput   `json:"outputs,omitempty"`
	PendingPermission *PermissionRequest `json:"pending_permission,omitempty"`
	LastActivity      time.Time          `json:"last_activity"`
	WasRunning        bool               `json:"was_running"`
}

// Encode serializes the snapshot for persistence.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot deserializes a persisted snapshot blob.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}
