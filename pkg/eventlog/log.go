package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Durability controls when an append is acknowledged.
type Durability string

const (
	// FlushPerAppend fsyncs after every append. Safe default.
	FlushPerAppend Durability = "flush_per_append"
	// FlushPerBatch fsyncs on a timer; a crash may lose the most recent appends.
	FlushPerBatch Durability = "flush_per_batch"
	// FlushNone never fsyncs explicitly. Development only.
	FlushNone Durability = "flush_none"
)

const (
	segmentMagic   = "PARLEYSEG"
	segmentVersion = 1
	segmentSuffix  = ".seg"
	gzipSuffix     = ".seg.gz"
)

// segmentHeader is the first line of every segment file.
type segmentHeader struct {
	Magic    string `json:"magic"`
	Version  int    `json:"version"`
	StartSeq uint64 `json:"start_seq"`
	PrevHash string `json:"prev_hash"`
}

// segmentInfo is one entry of the in-memory segment index.
type segmentInfo struct {
	path       string
	startSeq   uint64
	endSeq     uint64 // last sequence in the segment; updated live for the active one
	compressed bool
}

// Options configures a Log.
type Options struct {
	Dir             string
	SegmentMaxBytes int64
	Durability      Durability
	FlushInterval   time.Duration // used by FlushPerBatch
}

// Log is a segmented append-only event log. Appends are serialised by a
// single gate; each event is assigned the next sequence number and a hash
// chaining the previous event.
type Log struct {
	mu   sync.Mutex
	opts Options

	segments   []segmentInfo
	active     *os.File
	activeSize int64
	lastSeq    uint64
	lastHash   string

	dirty  bool
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Open scans the data directory, verifies the full hash chain, truncates a
// partial record at the tail if one is found, and returns a log ready for
// appends. A chain break anywhere before the tail returns ErrIntegrity — the
// process must refuse to serve rather than repair silently.
func Open(opts Options) (*Log, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 100 << 20
	}
	if opts.Durability == "" {
		opts.Durability = FlushPerAppend
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	l := &Log{opts: opts, stopCh: make(chan struct{})}
	if err := l.scan(); err != nil {
		return nil, err
	}
	if err := l.openActive(); err != nil {
		return nil, err
	}

	if opts.Durability == FlushPerBatch {
		l.wg.Add(1)
		go l.flushLoop()
	}

	slog.Info("Event log opened",
		"dir", opts.Dir,
		"segments", len(l.segments),
		"last_seq", l.lastSeq,
		"durability", string(opts.Durability))
	return l, nil
}

// scan reads every segment in order and verifies the chain end to end.
func (l *Log) scan() error {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return fmt.Errorf("read event log dir: %w", err)
	}

	var segs []segmentInfo
	for _, e := range entries {
		name := e.Name()
		var compressed bool
		var base string
		switch {
		case strings.HasSuffix(name, gzipSuffix):
			compressed, base = true, strings.TrimSuffix(name, gzipSuffix)
		case strings.HasSuffix(name, segmentSuffix):
			compressed, base = false, strings.TrimSuffix(name, segmentSuffix)
		default:
			continue
		}
		start, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: unrecognised segment name %q", ErrIntegrity, name)
		}
		segs = append(segs, segmentInfo{
			path:       filepath.Join(l.opts.Dir, name),
			startSeq:   start,
			compressed: compressed,
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].startSeq < segs[j].startSeq })

	for i := range segs {
		isLast := i == len(segs)-1
		if err := l.scanSegment(&segs[i], isLast); err != nil {
			return err
		}
		l.segments = append(l.segments, segs[i])
	}
	return nil
}

// scanSegment verifies one segment against the running chain state. For the
// final, uncompressed segment a broken record at the tail is treated as a
// partial write and truncated; anywhere else a break is fatal.
func (l *Log) scanSegment(seg *segmentInfo, isLast bool) error {
	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", seg.path, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if seg.compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: segment %s: %v", ErrIntegrity, seg.path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	br := bufio.NewReaderSize(r, 1<<20)
	var offset int64

	headerLine, err := readLine(br)
	if err != nil {
		return fmt.Errorf("%w: segment %s has no header", ErrIntegrity, seg.path)
	}
	offset += int64(len(headerLine))

	var hdr segmentHeader
	if err := json.Unmarshal(bytes.TrimRight(headerLine, "\n"), &hdr); err != nil {
		return fmt.Errorf("%w: segment %s header: %v", ErrIntegrity, seg.path, err)
	}
	if hdr.Magic != segmentMagic || hdr.Version != segmentVersion {
		return fmt.Errorf("%w: segment %s has unknown format", ErrIntegrity, seg.path)
	}
	if hdr.StartSeq != seg.startSeq || hdr.StartSeq != l.lastSeq+1 || hdr.PrevHash != l.lastHash {
		return fmt.Errorf("%w: segment %s does not continue the chain", ErrIntegrity, seg.path)
	}

	for {
		line, err := readLine(br)
		if len(line) == 0 && err != nil {
			break // clean EOF
		}

		bad := ""
		var ev Event
		switch {
		case err != nil || !bytes.HasSuffix(line, []byte{'\n'}):
			bad = "incomplete record"
		case json.Unmarshal(bytes.TrimRight(line, "\n"), &ev) != nil:
			bad = "unparseable record"
		case ev.Seq != l.lastSeq+1:
			bad = "sequence gap"
		case ev.Hash != chainHash(l.lastHash, ev.Seq, ev.Kind, ev.Payload):
			bad = "hash mismatch"
		}

		if bad != "" {
			// Only a partial record at the very end of the final uncompressed
			// segment may be truncated. Anything followed by more data, or in
			// a sealed segment, is corruption.
			if !isLast || seg.compressed || brHasMore(br) {
				return fmt.Errorf("%w: segment %s: %s at seq %d", ErrIntegrity, seg.path, bad, l.lastSeq+1)
			}
			slog.Warn("Truncating partial record at log tail",
				"segment", seg.path, "offset", offset, "reason", bad)
			if err := os.Truncate(seg.path, offset); err != nil {
				return fmt.Errorf("truncate partial record: %w", err)
			}
			break
		}

		offset += int64(len(line))
		l.lastSeq = ev.Seq
		l.lastHash = ev.Hash
		seg.endSeq = ev.Seq
	}
	return nil
}

// readLine reads up to and including the next newline. A final line without a
// trailing newline is returned together with io.EOF.
func readLine(br *bufio.Reader) ([]byte, error) {
	return br.ReadBytes('\n')
}

// brHasMore reports whether any bytes remain after the current position.
func brHasMore(br *bufio.Reader) bool {
	_, err := br.ReadByte()
	if err != nil {
		return false
	}
	_ = br.UnreadByte()
	return true
}

// openActive reopens the final uncompressed segment for appending, or starts
// a fresh segment when none is usable.
func (l *Log) openActive() error {
	if n := len(l.segments); n > 0 && !l.segments[n-1].compressed {
		seg := &l.segments[n-1]
		f, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open active segment: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("stat active segment: %w", err)
		}
		l.active = f
		l.activeSize = st.Size()
		return nil
	}
	return l.startSegment()
}

// startSegment creates a new active segment whose header chains the previous
// segment's final hash.
func (l *Log) startSegment() error {
	start := l.lastSeq + 1
	path := filepath.Join(l.opts.Dir, fmt.Sprintf("%020d%s", start, segmentSuffix))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	hdr, err := json.Marshal(segmentHeader{
		Magic:    segmentMagic,
		Version:  segmentVersion,
		StartSeq: start,
		PrevHash: l.lastHash,
	})
	if err != nil {
		_ = f.Close()
		return err
	}
	hdr = append(hdr, '\n')
	if _, err := f.Write(hdr); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write segment header: %v", ErrStorageUnavailable, err)
	}
	l.segments = append(l.segments, segmentInfo{
		path:     path,
		startSeq: start,
		endSeq:   start - 1,
	})
	l.active = f
	l.activeSize = int64(len(hdr))
	return nil
}

// rotate seals the active segment, compresses it, and starts a new one.
func (l *Log) rotate() error {
	seg := &l.segments[len(l.segments)-1]
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("%w: sync before rotation: %v", ErrStorageUnavailable, err)
	}
	if err := l.active.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	l.active = nil

	gzPath := strings.TrimSuffix(seg.path, segmentSuffix) + gzipSuffix
	if err := compressFile(seg.path, gzPath); err != nil {
		// Rotation failed mid-way: keep serving from the uncompressed file.
		slog.Warn("Segment compression failed, keeping raw segment", "segment", seg.path, "error", err)
	} else {
		if err := os.Remove(seg.path); err != nil {
			slog.Warn("Could not remove compressed source segment", "segment", seg.path, "error", err)
		}
		seg.path = gzPath
		seg.compressed = true
	}
	return l.startSegment()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Append assigns sequence numbers and chain hashes to the given events and
// writes them as one atomic batch. The returned value is the sequence of the
// first event in the batch. On ErrStorageUnavailable nothing from the batch
// is considered persisted.
func (l *Log) Append(events ...Event) (uint64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	if l.activeSize >= l.opts.SegmentMaxBytes {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	var buf bytes.Buffer
	seq := l.lastSeq
	hash := l.lastHash
	now := time.Now().UnixNano()
	for i := range events {
		seq++
		events[i].Seq = seq
		if events[i].Time == 0 {
			events[i].Time = now
		}
		if events[i].Payload == nil {
			events[i].Payload = json.RawMessage("{}")
		}
		hash = chainHash(hash, seq, events[i].Kind, events[i].Payload)
		events[i].Hash = hash
		line, err := json.Marshal(events[i])
		if err != nil {
			return 0, fmt.Errorf("encode event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	prevSize := l.activeSize
	if _, err := l.active.Write(buf.Bytes()); err != nil {
		// Best effort rollback; startup recovery truncates whatever remains.
		_ = l.active.Truncate(prevSize)
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if l.opts.Durability == FlushPerAppend {
		if err := l.active.Sync(); err != nil {
			_ = l.active.Truncate(prevSize)
			return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	} else {
		l.dirty = true
	}

	l.activeSize = prevSize + int64(buf.Len())
	l.lastSeq = seq
	l.lastHash = hash
	l.segments[len(l.segments)-1].endSeq = seq
	return events[0].Seq, nil
}

// Read returns up to limit events with sequence >= fromSeq, in order.
// limit <= 0 means no limit.
func (l *Log) Read(fromSeq uint64, limit int) ([]Event, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	segs := make([]segmentInfo, len(l.segments))
	copy(segs, l.segments)
	lastSeq := l.lastSeq
	// Reads of the active segment race its writer; sync pending bytes so the
	// file contains every acknowledged record.
	if l.dirty && l.active != nil {
		_ = l.active.Sync()
	}
	l.mu.Unlock()

	if fromSeq == 0 {
		fromSeq = 1
	}
	var out []Event
	for _, seg := range segs {
		if seg.endSeq < fromSeq {
			continue
		}
		events, err := readSegment(seg, fromSeq, lastSeq)
		if errors.Is(err, os.ErrNotExist) {
			// A concurrent rotation compressed this segment and removed the
			// raw file after the index copy was taken; retry with the
			// refreshed entry.
			if cur, ok := l.segmentStartingAt(seg.startSeq); ok {
				events, err = readSegment(cur, fromSeq, lastSeq)
			}
		}
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// segmentStartingAt returns the current index entry for the segment whose
// first sequence is startSeq.
func (l *Log) segmentStartingAt(startSeq uint64) (segmentInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if seg.startSeq == startSeq {
			return seg, true
		}
	}
	return segmentInfo{}, false
}

func readSegment(seg segmentInfo, fromSeq, lastSeq uint64) ([]Event, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", seg.path, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if seg.compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %s: %v", ErrIntegrity, seg.path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	br := bufio.NewReaderSize(r, 1<<20)
	if _, err := readLine(br); err != nil { // header
		return nil, fmt.Errorf("%w: segment %s has no header", ErrIntegrity, seg.path)
	}

	var out []Event
	for {
		line, err := readLine(br)
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return out, nil
			}
			continue
		}
		var ev Event
		if uerr := json.Unmarshal(bytes.TrimRight(line, "\n"), &ev); uerr != nil {
			if err != nil {
				// Partial tail not yet truncated; ignore beyond last ack.
				return out, nil
			}
			return nil, fmt.Errorf("%w: segment %s: %v", ErrIntegrity, seg.path, uerr)
		}
		if ev.Seq > lastSeq {
			return out, nil
		}
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
		if err != nil {
			return out, nil
		}
	}
}

// EventAt returns the event with the exact sequence number.
func (l *Log) EventAt(seq uint64) (Event, error) {
	events, err := l.Read(seq, 1)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 || events[0].Seq != seq {
		return Event{}, fmt.Errorf("event %d not found", seq)
	}
	return events[0], nil
}

// LastSeq returns the sequence of the most recently appended event.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// LastHash returns the chain hash of the most recently appended event.
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Flush forces pending writes to stable storage.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.active == nil || !l.dirty {
		return nil
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.dirty = false
	return nil
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				slog.Error("Event log batch flush failed", "error", err)
			}
		case <-l.stopCh:
			return
		}
	}
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stopCh)
	var err error
	if l.active != nil {
		if l.dirty {
			err = l.active.Sync()
		}
		if cerr := l.active.Close(); err == nil {
			err = cerr
		}
		l.active = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}
