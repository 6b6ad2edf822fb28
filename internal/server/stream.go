package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// streamChange is the SSE wire form of one change row.
type streamChange struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Collection string          `json:"collection"`
	Kind       string          `json:"kind"`
	RowID      string          `json:"row_id"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	streamPollInterval = 500 * time.Millisecond
	streamHeartbeat    = 15 * time.Second
	streamBatchLimit   = 256
)

// handleChangesStream serves the change feed as server-sent events.
// Each event is named after its collection and carries the change row
// as JSON. Clients resume with ?after=<cursor>; without it the stream
// starts at the current feed tail.
func (s *Server) handleChangesStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	cursor, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}
	if cursor < 0 {
		latest, err := s.Engine.Repo.LatestChangeID(ctx)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		cursor = latest
	}
	collections := parseCollections(r.URL.Query().Get("collections"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		changes, err := s.Engine.Repo.ChangesAfter(ctx, cursor, streamBatchLimit, collections)
		if err != nil {
			return
		}
		for _, c := range changes {
			payload := c.Payload
			if payload == "" {
				payload = "{}"
			}
			event := streamChange{
				ID:         c.ID,
				TS:         c.TS,
				Collection: string(c.Collection),
				Kind:       string(c.Kind),
				RowID:      c.RowID,
				Payload:    json.RawMessage(payload),
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", c.ID, c.Collection, data)
			cursor = c.ID
		}
		if len(changes) > 0 {
			flusher.Flush()
			lastWrite = time.Now()
		} else if time.Since(lastWrite) > streamHeartbeat {
			// Comment line keeps idle connections from being reaped.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			lastWrite = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// parseCursor returns -1 when no cursor was supplied.
func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return -1, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func splitCSV(csv string) []string {
	var parts []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
