package broadcast

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

// SSEHandler streams a subscriber's events as text/event-stream. The stream is
// registered under the key resolved by keyFunc and closed when the client goes away.
func SSEHandler(reg *Registry, keyFunc KeyFunc, logger loggingpkg.ServiceLogger) http.Handler {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc()
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := keyFunc(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		stream, err := reg.Register(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer stream.Close()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		// Initial comment so clients see the stream open before the first event.
		_, _ = fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		logger.Info("Subscriber connected", loggingpkg.LogFields{"key": key, "transport": "sse"})
		defer logger.Info("Subscriber disconnected", loggingpkg.LogFields{"key": key, "transport": "sse"})

		heartbeat := time.NewTicker(reg.Config().Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-stream.Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev := <-stream.Events():
				if err := writeSSE(w, ev); err != nil {
					logger.Debug("SSE write failed", loggingpkg.LogFields{"key": key, "error": err.Error()})
					return
				}
				flusher.Flush()
			}
		}
	})
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(ev.Name)
	buf.WriteByte('\n')
	for line := range bytes.SplitSeq(ev.Data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte{'\r'}))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
