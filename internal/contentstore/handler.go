package contentstore

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Handler serves "/v/{entity_id}" with HTTP/1.1 single-range semantics
// (spec §4.4). It is an in-process convenience over Store.Get — the real
// transport that exposes it to a browser is an external collaborator.
type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v/")
	if id == "" || id == r.URL.Path {
		http.NotFound(w, r)
		return
	}

	if !h.store.Has(id) {
		http.NotFound(w, r)
		return
	}

	data, err := h.store.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total := int64(len(data))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	start, end, ok := parseRange(rangeHeader, total)
	if !ok {
		http.Error(w, "malformed Range header", http.StatusBadRequest)
		return
	}
	if start < 0 || end >= total || start > end {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[start : end+1])
}

// parseRange parses a single "bytes=start-end?" Range header value. A
// missing end defaults to total-1. Returns ok=false on malformed input.
func parseRange(header string, total int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false // multi-range not supported (spec: single-range only)
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if startStr == "" {
		// suffix range: bytes=-N means last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		return start, total - 1, true
	}

	s, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	start = s

	if endStr == "" {
		return start, total - 1, true
	}
	e, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end = e
	return start, end, true
}
