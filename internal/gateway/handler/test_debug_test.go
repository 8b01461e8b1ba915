package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	sourcecache "cmdforge/internal/cache/source"
	"cmdforge/internal/events"
	sourcerepo "cmdforge/internal/gateway/repository/source"
	"cmdforge/internal/history"
	"cmdforge/internal/tester"
	"cmdforge/internal/types"
)

func newDebugHandler(t *testing.T) (*DebugHandler, *history.Log, *sourcecache.CachedStore) {
	t.Helper()
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.jsonl"))
	tester.NoErr(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	src := sourcecache.NewCachedStore(sourcerepo.NewMemoryStore(), sourcecache.DefaultCacheConfig())
	return NewDebugHandler(hist, events.NewBus(4), src), hist, src
}

func TestHandleStats(t *testing.T) {
	h, hist, src := newDebugHandler(t)
	_, err := hist.Append(types.HistoryEntry{ID: "a1", Action: types.ActionAccepted})
	tester.NoErr(t, err)
	_, err = src.Get(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000")
	tester.ErrIs(t, err, sourcerepo.ErrNotFound)

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	tester.Eq(t, rec.Code, http.StatusOK)

	var out struct {
		History struct {
			Entries int `json:"entries"`
		} `json:"history"`
		EventsDropped int64                       `json:"events_dropped"`
		SourceCache   sourcecache.MetricsSnapshot `json:"source_cache"`
	}
	tester.NoErr(t, json.Unmarshal(rec.Body.Bytes(), &out))
	tester.Eq(t, out.History.Entries, 1)
	tester.Eq(t, out.SourceCache.BlobMisses, uint64(1))

	rec = httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodPost, "/debug/stats", nil))
	tester.Eq(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestHandleArtifactTrail(t *testing.T) {
	h, hist, _ := newDebugHandler(t)
	for _, e := range []types.HistoryEntry{
		{ID: "a1", Name: "greet", Action: types.ActionAccepted},
		{ID: "a2", Name: "other", Action: types.ActionRejected},
		{ID: "a1", Name: "greet", Action: types.ActionRegistered},
	} {
		_, err := hist.Append(e)
		tester.NoErr(t, err)
	}

	rec := httptest.NewRecorder()
	h.HandleArtifactTrail(rec, httptest.NewRequest(http.MethodGet, "/debug/artifact-trail?artifact_id=a1", nil))
	tester.Eq(t, rec.Code, http.StatusOK)
	var out struct {
		Entries []types.HistoryEntry `json:"entries"`
	}
	tester.NoErr(t, json.Unmarshal(rec.Body.Bytes(), &out))
	tester.Eq(t, len(out.Entries), 2)
	tester.Eq(t, out.Entries[1].Action, types.ActionRegistered)

	rec = httptest.NewRecorder()
	h.HandleArtifactTrail(rec, httptest.NewRequest(http.MethodGet, "/debug/artifact-trail", nil))
	tester.Eq(t, rec.Code, http.StatusBadRequest)
}
