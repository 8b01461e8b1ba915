package history

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cmdforge/internal/tester"
	"cmdforge/internal/types"
)

func openTemp(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "history.jsonl"))
	tester.NoErr(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRead(t *testing.T) {
	l := openTemp(t)
	first, err := l.Append(types.HistoryEntry{ID: "a1", Name: "greet", Action: types.ActionAccepted, Verdict: types.VerdictPass})
	tester.NoErr(t, err)
	tester.Eq(t, first.Seq, int64(1))
	tester.True(t, first.EntryID != "", "entry id")
	tester.False(t, first.Timestamp.IsZero())

	_, err = l.Append(types.HistoryEntry{ID: "a2", Name: "other", Action: types.ActionRejected, Verdict: types.VerdictReject})
	tester.NoErr(t, err)
	_, err = l.Append(types.HistoryEntry{ID: "a1", Name: "greet", Version: 1, Action: types.ActionRegistered})
	tester.NoErr(t, err)

	all, err := l.Read(Filter{})
	tester.NoErr(t, err)
	tester.Eq(t, len(all), 3)
	tester.Eq(t, all[2].Seq, int64(3))

	greet, err := l.Read(Filter{Name: "greet"})
	tester.NoErr(t, err)
	tester.Eq(t, len(greet), 2)
	tester.Eq(t, greet[1].Action, types.ActionRegistered)

	tail, err := l.Read(Filter{Limit: 1})
	tester.NoErr(t, err)
	tester.Eq(t, tail[0].ID, "a1")
	tester.Eq(t, tail[0].Action, types.ActionRegistered)

	byID, err := l.Read(Filter{ArtifactID: "a2"})
	tester.NoErr(t, err)
	tester.Eq(t, len(byID), 1)
}

func TestReadToleratesMalformedLines(t *testing.T) {
	l := openTemp(t)
	_, err := l.Append(types.HistoryEntry{ID: "a1", Action: types.ActionAccepted})
	tester.NoErr(t, err)

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0)
	tester.NoErr(t, err)
	_, _ = f.WriteString("not json\n")
	_, _ = f.WriteString(`{"seq":9,"id":"torn","act`)
	f.Close()

	entries, err := l.Read(Filter{})
	tester.NoErr(t, err)
	tester.Eq(t, len(entries), 1)
	st, err := l.Stats()
	tester.NoErr(t, err)
	tester.Eq(t, st, Stats{Entries: 1, Malformed: 1, TornTail: true})
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	l, err := Open(path)
	tester.NoErr(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(types.HistoryEntry{ID: "x", Action: types.ActionAccepted})
		tester.NoErr(t, err)
	}
	tester.NoErr(t, l.Close())

	l, err = Open(path)
	tester.NoErr(t, err)
	defer l.Close()
	e, err := l.Append(types.HistoryEntry{ID: "y", Action: types.ActionRejected})
	tester.NoErr(t, err)
	tester.Eq(t, e.Seq, int64(4))
}

func TestConcurrentAppendsKeepWholeLines(t *testing.T) {
	l := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(types.HistoryEntry{ID: "c", Action: types.ActionExecuted}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	entries, err := l.Read(Filter{})
	tester.NoErr(t, err)
	tester.Eq(t, len(entries), 20)
	for i, e := range entries {
		tester.Eq(t, e.Seq, int64(i+1))
	}
	st, _ := l.Stats()
	tester.Eq(t, st.Malformed, 0)
}

func TestAppendAfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "h.jsonl"))
	tester.NoErr(t, err)
	tester.NoErr(t, l.Close())
	_, err = l.Append(types.HistoryEntry{ID: "x"})
	tester.True(t, err != nil, "expected error after close")
}

func TestReopenAfterTornWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tester.NoErr(t, os.WriteFile(path, []byte(`{"seq":1,"id":"a","action":"Accepted"}`+"\n"+`{"seq":2,"id":"b"`), 0o644))

	l, err := Open(path)
	tester.NoErr(t, err)
	defer l.Close()
	e, err := l.Append(types.HistoryEntry{ID: "c", Action: types.ActionRejected})
	tester.NoErr(t, err)
	tester.Eq(t, e.Seq, int64(2))

	entries, err := l.Read(Filter{})
	tester.NoErr(t, err)
	tester.Eq(t, len(entries), 2)
	tester.Eq(t, entries[1].ID, "c")
	st, _ := l.Stats()
	tester.Eq(t, st.Malformed, 1)
	tester.False(t, st.TornTail)
}

// shortOnce writes only a prefix of the next record and then fails.
type shortOnce struct {
	appendFile
	armed bool
}

func (s *shortOnce) Write(p []byte) (int, error) {
	if !s.armed {
		return s.appendFile.Write(p)
	}
	s.armed = false
	n, _ := s.appendFile.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func TestShortWriteDoesNotCorruptNextRecord(t *testing.T) {
	l := openTemp(t)
	_, err := l.Append(types.HistoryEntry{ID: "a1", Action: types.ActionAccepted})
	tester.NoErr(t, err)

	l.f = &shortOnce{appendFile: l.f, armed: true}
	_, err = l.Append(types.HistoryEntry{ID: "lost", Action: types.ActionRejected})
	var ie *types.InternalError
	tester.True(t, errors.As(err, &ie), "expected InternalError")

	e, err := l.Append(types.HistoryEntry{ID: "a2", Action: types.ActionRegistered})
	tester.NoErr(t, err)
	tester.Eq(t, e.Seq, int64(2))

	entries, err := l.Read(Filter{})
	tester.NoErr(t, err)
	tester.Eq(t, len(entries), 2)
	tester.Eq(t, entries[0].ID, "a1")
	tester.Eq(t, entries[1].ID, "a2")
	st, err := l.Stats()
	tester.NoErr(t, err)
	tester.Eq(t, st.Malformed, 1)
	tester.False(t, st.TornTail)
}
