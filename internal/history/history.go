package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cmdforge/internal/types"
)

// maxLine bounds one JSONL record; longer lines are treated as malformed.
const maxLine = 1 << 20

// Log is an append-only JSONL audit file. Entries are never edited or
// removed. A single mutex serialises writers, so the order of lines is the
// order of Append calls.
type Log struct {
	mu   sync.Mutex
	path string
	f    appendFile
	seq  int64
	now  func() time.Time
	// torn is set after a failed write that may have left a partial line.
	torn bool
}

type appendFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Open opens (or creates) the history file and recovers the last sequence
// number from its valid records.
func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	l := &Log{path: path, f: f, now: func() time.Time { return time.Now().UTC() }}
	entries, _, err := l.scan()
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, e := range entries {
		l.seq = max(l.seq, e.Seq)
	}
	if err := terminateTornTail(path, f); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// terminateTornTail ends a partial last record with a newline so the next
// append starts on a fresh line.
func terminateTornTail(path string, w *os.File) error {
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("history: open: %w", err)
	}
	defer r.Close()
	info, err := r.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("history: read: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = w.Write([]byte{'\n'})
	return err
}

func (l *Log) Path() string { return l.path }

// Append stamps the entry with Seq, EntryID and Timestamp, writes it as one
// line and fsyncs before returning.
func (l *Log) Append(e types.HistoryEntry) (types.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return types.HistoryEntry{}, errors.New("history: log closed")
	}
	e.Seq = l.seq + 1
	e.EntryID = uuid.NewString()
	e.Timestamp = l.now()
	raw, err := json.Marshal(e)
	if err != nil {
		return types.HistoryEntry{}, fmt.Errorf("history: encode: %w", err)
	}
	raw = append(raw, '\n')
	if l.torn {
		// end the partial record so this one starts on its own line
		raw = append([]byte{'\n'}, raw...)
	}
	if n, err := l.f.Write(raw); err != nil {
		l.torn = n > 0
		return types.HistoryEntry{}, types.NewInternalError("history append", err)
	}
	l.torn = false
	if err := l.f.Sync(); err != nil {
		return types.HistoryEntry{}, types.NewInternalError("history fsync", err)
	}
	l.seq = e.Seq
	return e, nil
}

// Filter narrows Read. Limit keeps the newest entries.
type Filter struct {
	Name       string
	ArtifactID string
	Limit      int
}

func (f Filter) match(e types.HistoryEntry) bool {
	if f.Name != "" && e.Name != f.Name {
		return false
	}
	if f.ArtifactID != "" && e.ID != f.ArtifactID {
		return false
	}
	return true
}

// Read returns matching entries oldest first. Malformed records are skipped:
// a torn final line is expected after a crash, malformed interior lines are
// counted in Stats.
func (l *Log) Read(filter Filter) ([]types.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, _, err := l.scan()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Stats describes the file as last read.
type Stats struct {
	Entries   int
	Malformed int
	TornTail  bool
}

func (l *Log) Stats() (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, st, err := l.scan()
	st.Entries = len(entries)
	return st, err
}

func (l *Log) scan() ([]types.HistoryEntry, Stats, error) {
	var st Stats
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, st, nil
		}
		return nil, st, fmt.Errorf("history: open: %w", err)
	}
	defer f.Close()

	out := make([]types.HistoryEntry, 0, 64)
	r := bufio.NewReaderSize(f, 64<<10)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var e types.HistoryEntry
				switch {
				case len(trimmed) > maxLine || json.Unmarshal(trimmed, &e) != nil:
					if complete {
						st.Malformed++
					} else {
						st.TornTail = true
					}
				default:
					out = append(out, e)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, st, fmt.Errorf("history: read: %w", err)
		}
	}
	return out, st, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
