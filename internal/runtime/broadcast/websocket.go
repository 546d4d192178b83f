package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

// Frame is the JSON text frame written to websocket subscribers.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketHandler serves the same subscriber stream as SSEHandler over a websocket.
// Messages sent by the client are discarded.
func WebSocketHandler(reg *Registry, keyFunc KeyFunc, logger loggingpkg.ServiceLogger) http.Handler {
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

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: reg.Config().AllowedOrigins,
		})
		if err != nil {
			logger.Warn("Websocket upgrade failed", loggingpkg.LogFields{"key": key, "error": err.Error()})
			return
		}
		defer conn.CloseNow()

		stream, err := reg.Register(key)
		if err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
			return
		}
		defer stream.Close()

		logger.Info("Subscriber connected", loggingpkg.LogFields{"key": key, "transport": "websocket"})
		defer logger.Info("Subscriber disconnected", loggingpkg.LogFields{"key": key, "transport": "websocket"})

		ctx := conn.CloseRead(r.Context())
		if err := pump(ctx, conn, stream, reg.Config()); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logger.Debug("Websocket write failed", loggingpkg.LogFields{"key": key, "error": err.Error()})
			}
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
}

// pump writes stream events until ctx ends or the stream is closed. A closed stream returns nil.
func pump(ctx context.Context, conn *websocket.Conn, stream *Stream, cfg Config) error {
	heartbeat := time.NewTicker(cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stream.Done():
			return nil
		case <-heartbeat.C:
			if err := ping(ctx, conn, cfg); err != nil {
				return err
			}
		case ev := <-stream.Events():
			payload, err := jsoncodec.Marshal(Frame{Event: ev.Name, Data: ev.Data})
			if err != nil {
				return err
			}
			if err := write(ctx, conn, payload, cfg); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, payload []byte, cfg Config) error {
	if cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func ping(ctx context.Context, conn *websocket.Conn, cfg Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Heartbeat)
	defer cancel()
	return conn.Ping(ctx)
}
