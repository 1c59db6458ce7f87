package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	applog "rupeek/internal/log"
	"rupeek/internal/services"
)

const streamKeepAlive = 25 * time.Second

// handleStream serves the live ledger as server-sent events. Every change
// of the session sends a full snapshot; bursts are coalesced into one. The
// stream ends with a "closed" event when the session is torn down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, http.StatusInternalServerError, applog.ErrorTypeInternal, "streaming unsupported")
		return
	}
	sess := sessionFrom(r.Context())

	changed := make(chan struct{}, 1)
	closed := make(chan struct{})
	var closeOnce sync.Once
	unlisten := sess.Listen(func(ev services.Event) {
		if ev.Kind == services.EventClosed {
			closeOnce.Do(func() { close(closed) })
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unlisten()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := applog.FromContext(r.Context())
	logger.InfoContext(r.Context(), "Ledger stream opened", applog.FieldOperation, applog.OpSubscribe)
	defer logger.InfoContext(r.Context(), "Ledger stream closed", applog.FieldOperation, applog.OpSubscribe)

	if err := writeEvent(w, "snapshot", newSnapshot(sess)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			_, _ = fmt.Fprint(w, "event: closed\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-changed:
			if err := writeEvent(w, "snapshot", newSnapshot(sess)); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
