// ABOUTME: AgentSession owns a spawned agent subprocess and its event stream.
// ABOUTME: Speaks newline-delimited JSON on the subprocess's stdin/stdout.

package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Session errors
var (
	ErrSpawnFailed               = errors.New("spawn failed")
	ErrCommunication             = errors.New("communication error")
	ErrInvalidPermissionResponse = errors.New("no such permission request")
)

// State is the session lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateCrashed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config describes how to launch one agent subprocess.
type Config struct {
	SessionID   string   `json:"session_id"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	WorkingDir  string   `json:"working_dir"`
	DisplayName string   `json:"display_name,omitempty"`
	Resume      bool     `json:"resume,omitempty"`
	AgentType   string   `json:"agent_type,omitempty"`
}

// subprocess stdout lines are JSON objects; lines whose "type" field is
// "permission_request" become permission events, everything else is output.
type stdoutLine struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	Suggestions json.RawMessage `json:"suggestions"`
}

// AgentSession runs one agent subprocess, exposing a finite event stream and
// accepting input and permission responses. It owns its OutputBuffer.
type AgentSession struct {
	cfg    Config
	buffer *OutputBuffer
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	events chan Event

	mu           sync.Mutex
	state        State
	exitCode     int
	pendingPerm  *PermissionRequest
	lastActivity time.Time
	stdinClosed  bool

	stopOnce sync.Once
}

// New spawns the agent subprocess described by cfg. Returns ErrSpawnFailed
// if the executable cannot be started.
func New(cfg Config, logger *slog.Logger) (*AgentSession, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s := &AgentSession{
		cfg:          cfg,
		buffer:       NewOutputBuffer(DefaultBufferCapacity),
		logger:       logger.With("session_id", cfg.SessionID),
		cmd:          cmd,
		stdin:        stdin,
		events:       make(chan Event, 64),
		state:        StateRunning,
		lastActivity: time.Now().UTC(),
	}

	go s.drainStderr(stderr)
	go s.run(stdout)

	s.logger.Info("agent subprocess started",
		"command", cfg.Command,
		"working_dir", cfg.WorkingDir,
		"pid", cmd.Process.Pid,
	)
	return s, nil
}

// Events returns the session event stream. The channel is closed after the
// Exited or fatal Error event; the stream is not restartable.
func (s *AgentSession) Events() <-chan Event {
	return s.events
}

// Buffer exposes the session's output buffer for replay bookkeeping.
func (s *AgentSession) Buffer() *OutputBuffer {
	return s.buffer
}

// ID returns the session id from the launch config.
func (s *AgentSession) ID() string {
	return s.cfg.SessionID
}

// Config returns a copy of the launch config.
func (s *AgentSession) Config() Config {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *AgentSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendInput writes a structured input value to the subprocess stdin.
// Fails with ErrCommunication if the pipe is closed.
func (s *AgentSession) SendInput(content json.RawMessage) error {
	s.mu.Lock()
	if s.stdinClosed {
		s.mu.Unlock()
		return ErrCommunication
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	line := append(append([]byte{}, content...), '\n')
	if _, err := s.stdin.Write(line); err != nil {
		s.markStdinClosed()
		return fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	return nil
}

// RespondPermission answers an outstanding permission request. Fails with
// ErrInvalidPermissionResponse if no request with that id is pending.
func (s *AgentSession) RespondPermission(resp PermissionResponse) error {
	s.mu.Lock()
	if s.pendingPerm == nil || s.pendingPerm.RequestID != resp.RequestID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidPermissionResponse, resp.RequestID)
	}
	s.pendingPerm = nil
	s.mu.Unlock()

	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		PermissionResponse
	}{Type: "permission_response", PermissionResponse: resp})
	if err != nil {
		return fmt.Errorf("encoding permission response: %w", err)
	}
	return s.SendInput(payload)
}

// Snapshot captures a consistent point-in-time view of the session. Safe to
// call concurrently with event production; does not touch the subprocess.
func (s *AgentSession) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var perm *PermissionRequest
	if s.pendingPerm != nil {
		p := *s.pendingPerm
		perm = &p
	}
	return &Snapshot{
		Config:            s.cfg,
		Outputs:           s.buffer.Snapshot(),
		PendingPermission: perm,
		LastActivity:      s.lastActivity,
		WasRunning:        s.state == StateRunning || s.state == StateStarting,
	}
}

// Stop terminates the subprocess. Idempotent.
func (s *AgentSession) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateRunning || s.state == StateStarting {
			s.state = StateStopped
		}
		s.mu.Unlock()

		s.markStdinClosed()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}

// ExitCode returns the subprocess exit code once the session has ended.
func (s *AgentSession) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *AgentSession) markStdinClosed() {
	s.mu.Lock()
	closed := s.stdinClosed
	s.stdinClosed = true
	s.mu.Unlock()
	if !closed {
		_ = s.stdin.Close()
	}
}

// run reads stdout until EOF, emits events, then reaps the subprocess and
// terminates the event stream.
func (s *AgentSession) run(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		s.handleLine(raw)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("reading agent stdout", "error", err)
	}

	s.finish()
}

func (s *AgentSession) handleLine(raw []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	var parsed stdoutLine
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Not JSON - pass through as opaque output so nothing is lost.
		s.emitOutput(raw)
		return
	}

	if parsed.Type == "permission_request" {
		req := &PermissionRequest{
			RequestID:   parsed.RequestID,
			ToolName:    parsed.ToolName,
			Input:       parsed.Input,
			Suggestions: parsed.Suggestions,
		}
		s.mu.Lock()
		s.pendingPerm = req
		s.mu.Unlock()

		s.events <- Event{Type: EventPermissionRequest, Permission: req}
		return
	}

	s.emitOutput(raw)
}

func (s *AgentSession) emitOutput(raw []byte) {
	seq := s.buffer.Push(raw)
	s.events <- Event{Type: EventOutput, Seq: seq, Output: raw}
}

func (s *AgentSession) finish() {
	err := s.cmd.Wait()
	s.markStdinClosed()

	code := 0
	if exitErr := new(exec.ExitError); errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	s.mu.Lock()
	stopped := s.state == StateStopped
	if !stopped {
		if err != nil && code < 0 {
			s.state = StateCrashed
		} else {
			s.state = StateExited
		}
	}
	s.exitCode = code
	s.mu.Unlock()

	s.logger.Info("agent subprocess ended", "exit_code", code, "state", s.State().String())
	s.events <- Event{Type: EventExited, ExitCode: code}
	close(s.events)
}

// drainStderr forwards subprocess stderr lines to the logger.
func (s *AgentSession) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("agent stderr", "line", scanner.Text())
	}
}
