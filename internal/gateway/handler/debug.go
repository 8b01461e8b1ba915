package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	sourcecache "cmdforge/internal/cache/source"
	"cmdforge/internal/events"
	"cmdforge/internal/history"
)

// DebugHandler exposes process counters and the per-artifact audit trail.
type DebugHandler struct {
	history *history.Log
	events  *events.Bus
	sources *sourcecache.CachedStore
}

func NewDebugHandler(hist *history.Log, bus *events.Bus, sources *sourcecache.CachedStore) *DebugHandler {
	return &DebugHandler{history: hist, events: bus, sources: sources}
}

func (h *DebugHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{}
	if h.history != nil {
		st, err := h.history.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out["history"] = map[string]any{
			"entries":   st.Entries,
			"malformed": st.Malformed,
			"torn_tail": st.TornTail,
		}
	}
	if h.events != nil {
		out["events_dropped"] = h.events.Dropped()
	}
	if h.sources != nil {
		out["source_cache"] = h.sources.Metrics()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *DebugHandler) HandleArtifactTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	artifactID := strings.TrimSpace(r.URL.Query().Get("artifact_id"))
	if artifactID == "" {
		http.Error(w, "artifact_id is required", http.StatusBadRequest)
		return
	}
	entries, err := h.history.Read(history.Filter{ArtifactID: artifactID})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"artifact_id": artifactID,
		"entries":     entries,
	})
}
