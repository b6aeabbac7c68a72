package sse

import (
	"fmt"
	"net/http"
)

// Writer streams Event values to an http.ResponseWriter as standard SSE
// frames, flushing after every event so the client sees tokens as they
// arrive instead of buffered in bulk.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the response headers spec §6 requires for /v1/messages
// streaming responses and returns a Writer.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Send writes one event and flushes immediately.
func (sw *Writer) Send(ev Event) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// SendAll writes a sequence of events in order, stopping at the first
// write error.
func (sw *Writer) SendAll(evs []Event) error {
	for _, ev := range evs {
		if err := sw.Send(ev); err != nil {
			return err
		}
	}
	return nil
}
