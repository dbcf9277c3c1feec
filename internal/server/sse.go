package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// errStreamingUnsupported reports a connection that cannot flush, such
// as an HTTP/1.0 proxy hop.
var errStreamingUnsupported = errors.New("streaming unsupported by connection")

// sseStream is a response writer prepared for Server-Sent Events.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEStream switches the response to an event stream and flushes the
// headers so the client sees the stream open immediately.
func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher}, nil
}

// send writes one event and flushes it. The id line is emitted only for
// positive ids, so synthesized events (heartbeat, _gap) never disturb
// the client's Last-Event-ID reconnect bookkeeping.
func (s *sseStream) send(event string, id int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	if event != "" {
		fmt.Fprintf(s.w, "event: %s\n", event)
	}
	if id > 0 {
		fmt.Fprintf(s.w, "id: %d\n", id)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
	return nil
}
