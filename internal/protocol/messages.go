// ABOUTME: Wire message types for the portal relay protocol.
// ABOUTME: JSON envelopes exchanged over proxy and client websocket links.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type constants. Every envelope carries exactly one of these.
const (
	TypeRegister           = "register"
	TypeRegisterAck        = "register_ack"
	TypeSequencedInput     = "sequenced_input"
	TypeInputAck           = "input_ack"
	TypeClaudeOutput       = "claude_output"
	TypeOutputAck          = "output_ack"
	TypeUserInput          = "user_input"
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeHeartbeat          = "heartbeat"
	TypeHeartbeatAck       = "heartbeat_ack"
	TypeSessionUpdate      = "session_update"
	TypeServerShutdown     = "server_shutdown"
	TypeError              = "error"
)

// Register results returned in RegisterAck.
const (
	RegisterOK              = "ok"
	RegisterSessionNotFound = "session_not_found"
	RegisterUnauthorized    = "unauthorized"
)

// Envelope is the framing for every message on a link. Seq is only set on
// claude_output envelopes; SessionID is set on every message after register.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	TsMS      int64           `json:"ts_ms"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Register is the first message on any link. Proxy links fill the session
// fields; client links only set Token, SessionKey, and ReplayAfter.
type Register struct {
	SessionID         string `json:"session_id,omitempty"`
	SessionName       string `json:"session_name,omitempty"`
	Token             string `json:"token"`
	SessionKey        string `json:"session_key,omitempty"`
	WorkingDirectory  string `json:"working_directory,omitempty"`
	Resuming          bool   `json:"resuming,omitempty"`
	GitBranch         string `json:"git_branch,omitempty"`
	ReplayAfter       uint64 `json:"replay_after,omitempty"`
	ClientVersion     string `json:"client_version,omitempty"`
	ReplacesSessionID string `json:"replaces_session_id,omitempty"`
}

// RegisterAck reports the outcome of a register attempt. LastAckSeq tells a
// proxy where to resume output retransmission from.
type RegisterAck struct {
	Result     string `json:"result"`
	LastAckSeq uint64 `json:"last_ack_seq,omitempty"`
}

// SequencedInput carries one unit of user input to the agent, ordered by
// SeqNum within a session.
type SequencedInput struct {
	SeqNum  uint64          `json:"seq_num"`
	Content json.RawMessage `json:"content"`
}

// InputAck confirms the proxy delivered all pending inputs up to SeqNum to
// the agent subprocess.
type InputAck struct {
	SeqNum uint64 `json:"seq_num"`
}

// ClaudeOutput carries one agent output payload. Its sequence number rides on
// the envelope Seq field.
type ClaudeOutput struct {
	Content json.RawMessage `json:"content"`
}

// OutputAck tells the proxy the broker has durably processed output AckSeq.
type OutputAck struct {
	AckSeq uint64 `json:"ack_seq"`
}

// UserInput is raw input from a web client, not yet sequenced.
type UserInput struct {
	Content json.RawMessage `json:"content"`
}

// PermissionRequest asks a human to approve a tool call. At most one is
// pending per session; a newer request replaces the old one.
type PermissionRequest struct {
	RequestID   string          `json:"request_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
}

// PermissionResponse resolves a pending permission request.
type PermissionResponse struct {
	RequestID   string          `json:"request_id"`
	Allow       bool            `json:"allow"`
	Input       json.RawMessage `json:"input,omitempty"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Heartbeat is sent by the proxy every interval; the broker echoes it back
// as heartbeat_ack with the same SentAtMS.
type Heartbeat struct {
	SentAtMS int64 `json:"sent_at_ms"`
}

// SessionUpdate reports git metadata changes from the agent's working tree,
// the terminal status when the agent subprocess ends, and the successor id
// when a session is superseded.
type SessionUpdate struct {
	GitBranch  string `json:"git_branch,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	Status     string `json:"status,omitempty"` // "exited" or "replaced"
	ExitCode   *int   `json:"exit_code,omitempty"`
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// ServerShutdown warns links the broker is going down and when to retry.
type ServerShutdown struct {
	Reason           string `json:"reason"`
	ReconnectDelayMS int64  `json:"reconnect_delay_ms"`
}

// ErrorMessage reports a per-message failure without tearing down the link.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds an envelope of the given type with the payload
// marshaled into Data.
func NewEnvelope(msgType, sessionID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		SessionID: sessionID,
		TsMS:      time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
// (our own struct types). Panics on marshal error.
func MustEnvelope(msgType, sessionID string, payload any) *Envelope {
	env, err := NewEnvelope(msgType, sessionID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Parse decodes a raw websocket frame into an envelope.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}
