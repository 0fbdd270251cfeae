package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/marketdeck/marketdeck/feed"
)

const keepaliveInterval = 15 * time.Second

// serveStream sends merged quote batches as Server-Sent Events.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.IsAuthenticated() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush() // headers out immediately so EventSource fires onopen

	h.logger.Info("Quote SSE stream started", "remote", r.RemoteAddr)

	batchCh := make(chan []feed.Quote, 100)
	done := r.Context().Done()

	listenerID := "stream-" + uuid.NewString()
	h.synchronizer.AddListener(listenerID, func(batch []feed.Quote) {
		select {
		case batchCh <- batch:
		default:
			// Drop batch if the client is slow; the next one supersedes it
		}
	})
	defer h.synchronizer.RemoveListener(listenerID)

	// Send the current table up front so the client starts complete
	if snapshot := h.synchronizer.Table().Snapshot(); len(snapshot) > 0 {
		writeSSE(w, snapshot)
		flusher.Flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("Quote SSE stream closed", "remote", r.RemoteAddr)
			return

		case batch := <-batchCh:
			writeSSE(w, batch)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, batch []feed.Quote) {
	data, err := json.Marshal(batch)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// serveLogStream sends recent and live log entries as Server-Sent Events.
// An optional ?component= query restricts the stream to one subsystem.
func (h *Handler) serveLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	component := r.URL.Query().Get("component")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	for _, entry := range h.logs.Recent(100, component) {
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}
	flusher.Flush()

	listenerID := "logs-" + uuid.NewString()
	ch := h.logs.Subscribe(listenerID)
	defer h.logs.Unsubscribe(listenerID)

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if component != "" && entry.Component != component {
				continue
			}
			if data, err := json.Marshal(entry); err == nil {
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
