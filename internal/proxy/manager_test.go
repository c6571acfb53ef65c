// ABOUTME: Tests for the bounded session supervisor
// ABOUTME: Covers capacity limits, working-dir validation, stop, and snapshot restore

package proxy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal-sub001/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub001/internal/session"
	"github.com/meawoppl/claude-code-portal-sub001/internal/store"
)

// testManagerConfig points the relay at a dead address; loops spin in their
// backoff retry until stopped, which is enough for supervisor tests.
func testManagerConfig(maxSessions int) ManagerConfig {
	return ManagerConfig{
		MaxSessions: maxSessions,
		AgentCmd:    "/bin/sh",
		AgentArgs:   []string{"-c", "sleep 60"},
		Loop: LoopConfig{
			ServerURL: "ws://127.0.0.1:1/ws/proxy",
			Token:     "pt_test_token",
		},
	}
}

func newSnapshotStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "proxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSpawnAndList(t *testing.T) {
	m := NewProcessManager(testManagerConfig(2), nil, nil)
	defer m.Shutdown(context.Background())

	id, err := m.Spawn(context.Background(), SpawnRequest{
		DisplayName: "test",
		WorkingDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].SessionID)
	assert.Equal(t, "test", infos[0].DisplayName)
}

func TestSpawnInvalidDirectory(t *testing.T) {
	m := NewProcessManager(testManagerConfig(2), nil, nil)
	defer m.Shutdown(context.Background())

	_, err := m.Spawn(context.Background(), SpawnRequest{
		WorkingDir: "/definitely/not/a/directory",
	})
	assert.ErrorIs(t, err, ErrInvalidDirectory)
	assert.Equal(t, 0, m.Count())
}

func TestSpawnAtCapacity(t *testing.T) {
	m := NewProcessManager(testManagerConfig(1), nil, nil)
	defer m.Shutdown(context.Background())

	dir := t.TempDir()
	_, err := m.Spawn(context.Background(), SpawnRequest{WorkingDir: dir})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), SpawnRequest{WorkingDir: dir})
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestStop(t *testing.T) {
	m := NewProcessManager(testManagerConfig(2), nil, nil)
	defer m.Shutdown(context.Background())

	id, err := m.Spawn(context.Background(), SpawnRequest{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, m.Stop(id))
	assert.Equal(t, 0, m.Count())

	// A freed slot can be reused.
	_, err = m.Spawn(context.Background(), SpawnRequest{WorkingDir: t.TempDir()})
	require.NoError(t, err)
}

func TestStopUnknown(t *testing.T) {
	m := NewProcessManager(testManagerConfig(1), nil, nil)
	assert.ErrorIs(t, m.Stop("no-such-session"), ErrSessionNotFound)
}

func TestShutdownPersistsAndRestoreRespawns(t *testing.T) {
	snaps := newSnapshotStore(t)
	dir := t.TempDir()

	m := NewProcessManager(testManagerConfig(2), snaps, nil)
	id, err := m.Spawn(context.Background(), SpawnRequest{DisplayName: "survivor", WorkingDir: dir})
	require.NoError(t, err)

	m.Shutdown(context.Background())

	ids, err := snaps.ListSnapshotSessionIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	// A fresh manager consumes the snapshot and respawns the session.
	m2 := NewProcessManager(testManagerConfig(2), snaps, nil)
	defer m2.Shutdown(context.Background())

	restored, err := m2.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, m2.Count())

	infos := m2.List()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].SessionID)
	assert.Equal(t, "survivor", infos[0].DisplayName)

	// Snapshots are consume-once.
	restored, err = m2.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}

func TestRestoreSkipsNotRunning(t *testing.T) {
	snaps := newSnapshotStore(t)

	// Persist a snapshot for a session that had already exited.
	blob := []byte(`{"config":{"session_id":"gone","command":"/bin/sh"},"was_running":false}`)
	require.NoError(t, snaps.SaveSnapshot(context.Background(), "gone", blob))

	m := NewProcessManager(testManagerConfig(2), snaps, nil)
	defer m.Shutdown(context.Background())

	restored, err := m.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
	assert.Equal(t, 0, m.Count())
}

func TestListTracksSupersededSession(t *testing.T) {
	broker := newTestBroker(t)
	snaps := newSnapshotStore(t)

	// A snapshot from a prior run; the broker no longer knows the session,
	// so the restored loop will supersede it with a fresh id.
	blob := []byte(`{"config":{"session_id":"old","command":"/bin/sh","args":["-c","sleep 60"]},"was_running":true}`)
	require.NoError(t, snaps.SaveSnapshot(context.Background(), "old", blob))

	cfg := testManagerConfig(2)
	cfg.Loop.ServerURL = broker.url()
	m := NewProcessManager(cfg, snaps, nil)
	defer m.Shutdown(context.Background())

	restored, err := m.RestoreAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	conn := readLoopRegister(t, broker, "old", true)
	sendAck(t, conn, "old", protocol.RegisterSessionNotFound, 0)
	conn.Close()

	conn2 := broker.accept(t)
	defer conn2.Close()
	reg2 := readRegister(t, conn2)
	newID := reg2.SessionID
	require.NotEqual(t, "old", newID)
	sendAck(t, conn2, newID, protocol.RegisterOK, 0)

	// List reports the successor, not the stopped session it replaced.
	require.Eventually(t, func() bool {
		infos := m.List()
		return len(infos) == 1 &&
			infos[0].SessionID == newID &&
			infos[0].State == session.StateRunning
	}, 5*time.Second, 50*time.Millisecond)

	// And the successor id is addressable for Stop.
	require.NoError(t, m.Stop(newID))
	assert.Equal(t, 0, m.Count())
}

func readLoopRegister(t *testing.T, broker *testBroker, wantID string, wantResuming bool) *websocket.Conn {
	t.Helper()
	conn := broker.accept(t)
	reg := readRegister(t, conn)
	require.Equal(t, wantID, reg.SessionID)
	require.Equal(t, wantResuming, reg.Resuming)
	return conn
}

func TestStopWaitsForLoopExit(t *testing.T) {
	m := NewProcessManager(testManagerConfig(1), nil, nil)

	id, err := m.Spawn(context.Background(), SpawnRequest{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = m.Stop(id)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
