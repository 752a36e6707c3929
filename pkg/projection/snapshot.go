package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/parley-dev/parley/pkg/eventlog"
)

// ErrDivergence is returned when replaying the log over restored state fails.
// Divergence means either the snapshot or the apply logic disagrees with the
// persisted history, and the process must not serve traffic from it.
var ErrDivergence = errors.New("projection diverged from event log")

const (
	snapshotVersion = 1
	snapshotSuffix  = ".snap.gz"

	// keepSnapshots is how many recent snapshots survive pruning. The older
	// one is the fallback when the newest fails validation.
	keepSnapshots = 2
)

// snapshotEnvelope is the on-disk snapshot format: the full projected state
// at Seq, stamped with the hash of the log event at that sequence so a stale
// or foreign snapshot is detected before any replay happens.
type snapshotEnvelope struct {
	Version      int                     `json:"version"`
	Seq          uint64                  `json:"seq"`
	EventHash    string                  `json:"event_hash"`
	TakenAt      string                  `json:"taken_at"`
	Elicitations map[string]*Elicitation `json:"elicitations"`
	Archive      []*Elicitation          `json:"archive"`
	Sessions     map[string]*Session     `json:"sessions"`
	Experts      map[string]*Expert      `json:"experts"`
}

// WriteSnapshot persists the current state to dir and prunes older snapshots.
// The write goes through a temp file and rename so a crash never leaves a
// half-written snapshot behind. eventHash must be the log hash at the state's
// sequence.
func WriteSnapshot(dir string, s *State, eventHash string) (string, error) {
	s.mu.RLock()
	env := snapshotEnvelope{
		Version:      snapshotVersion,
		Seq:          s.seq,
		EventHash:    eventHash,
		TakenAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Elicitations: s.elicitations,
		Sessions:     s.sessions,
		Experts:      s.experts,
	}
	env.Archive = make([]*Elicitation, 0, len(s.archiveOrder))
	for _, id := range s.archiveOrder {
		if el := s.archive[id]; el != nil {
			env.Archive = append(env.Archive, el)
		}
	}
	data, err := json.Marshal(env)
	s.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	final := filepath.Join(dir, fmt.Sprintf("%020d%s", env.Seq, snapshotSuffix))
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	pruneSnapshots(dir)
	return final, nil
}

func pruneSnapshots(dir string) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+snapshotSuffix))
	if err != nil || len(paths) <= keepSnapshots {
		return
	}
	sort.Strings(paths)
	for _, p := range paths[:len(paths)-keepSnapshots] {
		if err := os.Remove(p); err != nil {
			slog.Warn("Failed to prune old snapshot", "path", p, "error", err)
		}
	}
}

func readSnapshot(path string) (*snapshotEnvelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()

	var env snapshotEnvelope
	if err := json.NewDecoder(gz).Decode(&env); err != nil {
		return nil, err
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	return &env, nil
}

// restore builds a State from a validated snapshot, rebuilding the secondary
// indexes that are derived rather than stored.
func restore(env *snapshotEnvelope) *State {
	s := NewState()
	s.seq = env.Seq
	for id, el := range env.Elicitations {
		s.elicitations[id] = el
		if s.pendingFor[el.ToAgent] == nil {
			s.pendingFor[el.ToAgent] = make(map[string]bool)
		}
		s.pendingFor[el.ToAgent][id] = true
		if s.createdBy[el.FromAgent] == nil {
			s.createdBy[el.FromAgent] = make(map[string]bool)
		}
		s.createdBy[el.FromAgent][id] = true
	}
	for _, el := range env.Archive {
		s.archive[el.ID] = el
		s.archiveOrder = append(s.archiveOrder, el.ID)
	}
	for id, sess := range env.Sessions {
		s.sessions[id] = sess
		if s.agentSessions[sess.AgentID] == nil {
			s.agentSessions[sess.AgentID] = make(map[string]bool)
		}
		s.agentSessions[sess.AgentID][id] = true
	}
	for id, e := range env.Experts {
		s.experts[id] = e
	}
	return s
}

// Rebuild reconstructs the projection from the newest snapshot that still
// matches the log, replaying every event after it. A snapshot whose stamped
// hash disagrees with the log is skipped with a warning; if none validates,
// the full log is replayed from sequence 1. An apply failure during replay is
// a divergence, not something to patch over.
func Rebuild(log *eventlog.Log, snapDir string) (*State, error) {
	state := NewState()

	paths, err := filepath.Glob(filepath.Join(snapDir, "*"+snapshotSuffix))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	for _, p := range paths {
		env, err := readSnapshot(p)
		if err != nil {
			slog.Warn("Skipping unreadable snapshot", "path", p, "error", err)
			continue
		}
		if env.Seq > log.LastSeq() {
			slog.Warn("Skipping snapshot ahead of log", "path", p, "snapshot_seq", env.Seq, "log_seq", log.LastSeq())
			continue
		}
		if env.Seq > 0 {
			ev, err := log.EventAt(env.Seq)
			if err != nil || ev.Hash != env.EventHash {
				slog.Warn("Skipping snapshot that does not match log", "path", p, "seq", env.Seq)
				continue
			}
		}
		state = restore(env)
		slog.Info("Restored projection from snapshot", "path", p, "seq", env.Seq)
		break
	}

	if err := replayFrom(log, state); err != nil {
		return nil, err
	}
	return state, nil
}

const replayBatch = 1024

func replayFrom(log *eventlog.Log, state *State) error {
	for state.Seq() < log.LastSeq() {
		events, err := log.Read(state.Seq()+1, replayBatch)
		if err != nil {
			return fmt.Errorf("replay read: %w", err)
		}
		if len(events) == 0 {
			return fmt.Errorf("%w: log claims seq %d but read past %d returned nothing",
				ErrDivergence, log.LastSeq(), state.Seq())
		}
		for _, e := range events {
			if err := state.Apply(e); err != nil {
				return fmt.Errorf("%w: %v", ErrDivergence, err)
			}
		}
	}
	return nil
}
