package projection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/pkg/eventlog"
)

func appendAndApply(t *testing.T, l *eventlog.Log, s *State, kind eventlog.Kind, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	first, err := l.Append(eventlog.Event{Kind: kind, Payload: data})
	require.NoError(t, err)
	ev, err := l.EventAt(first)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ev))
}

func seedLog(t *testing.T, l *eventlog.Log, s *State, n int) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("el-%d", l.LastSeq()+1)
		appendAndApply(t, l, s, eventlog.KindElicitationRequested, ElicitationRequestedPayload{
			ElicitationID: id, FromAgent: "alice", ToAgent: "bob",
			Message: "m", Schema: json.RawMessage(`{"fields":[]}`),
			TimeoutSeconds: 60, Nonce: "n-" + id,
			ExpectedResponseKey: "k-" + id, Timestamp: now,
		})
	}
}

func TestSnapshot_RebuildFromSnapshotPlusTail(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	l, err := eventlog.Open(eventlog.Options{Dir: dir, Durability: eventlog.FlushNone})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	s := NewState()
	seedLog(t, l, s, 4)

	_, err = WriteSnapshot(snapDir, s, l.LastHash())
	require.NoError(t, err)

	// Events after the snapshot must be replayed on top of it.
	appendAndApply(t, l, s, eventlog.KindElicitationAccepted, ElicitationAcceptedPayload{
		ElicitationID: "el-1", Responder: "bob",
		Data: json.RawMessage(`{}`), Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	rebuilt, err := Rebuild(l, snapDir)
	require.NoError(t, err)
	assert.Equal(t, s.Seq(), rebuilt.Seq())

	el, ok := rebuilt.Elicitation("el-1")
	require.True(t, ok)
	assert.Equal(t, StatusAccepted, el.Status)
	assert.Len(t, rebuilt.PendingFor("bob"), 3)
}

func TestSnapshot_MismatchedHashFallsBackToFullReplay(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	l, err := eventlog.Open(eventlog.Options{Dir: dir, Durability: eventlog.FlushNone})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	s := NewState()
	seedLog(t, l, s, 3)

	// Stamp the snapshot with a hash the log never produced.
	_, err = WriteSnapshot(snapDir, s, "0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	rebuilt, err := Rebuild(l, snapDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rebuilt.Seq())
	assert.Len(t, rebuilt.PendingFor("bob"), 3)
}

func TestSnapshot_UnreadableFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	l, err := eventlog.Open(eventlog.Options{Dir: dir, Durability: eventlog.FlushNone})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	s := NewState()
	seedLog(t, l, s, 2)

	require.NoError(t, os.MkdirAll(snapDir, 0o750))
	garbage := filepath.Join(snapDir, "99999999999999999999"+".snap.gz")
	require.NoError(t, os.WriteFile(garbage, []byte("not gzip"), 0o640))

	rebuilt, err := Rebuild(l, snapDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rebuilt.Seq())
}

func TestSnapshot_PrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	l, err := eventlog.Open(eventlog.Options{Dir: dir, Durability: eventlog.FlushNone})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	s := NewState()
	for i := 0; i < 4; i++ {
		seedLog(t, l, s, 1)
		_, err := WriteSnapshot(snapDir, s, l.LastHash())
		require.NoError(t, err)
	}

	paths, err := filepath.Glob(filepath.Join(snapDir, "*.snap.gz"))
	require.NoError(t, err)
	assert.Len(t, paths, keepSnapshots)
}

func TestRebuild_NoSnapshotsReplaysEverything(t *testing.T) {
	dir := t.TempDir()
	l, err := eventlog.Open(eventlog.Options{Dir: dir, Durability: eventlog.FlushNone})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	s := NewState()
	seedLog(t, l, s, 5)

	rebuilt, err := Rebuild(l, filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rebuilt.Seq())
	assert.Len(t, rebuilt.PendingFor("bob"), 5)
}
