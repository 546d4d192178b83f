package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/reelflow/internal/runtime/broadcast"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

const (
	// PartitionKeyHeader optionally carries the partition key of a published event.
	PartitionKeyHeader = "X-Partition-Key"

	maxPublishBodyBytes = 1 << 20
)

type errorResponse struct {
	Error string `json:"error"`
}

type unregisterResponse struct {
	Key          string `json:"key"`
	Unregistered bool   `json:"unregistered"`
}

type handlersResponse struct {
	InputTopic   string   `json:"input_topic"`
	EventNames   []string `json:"event_names"`
	Transport    string   `json:"transport"`
	Partitioning bool     `json:"partitioning"`
	Persistent   bool     `json:"persistent"`
}

// APIHandler returns the publish/subscribe HTTP API:
//
//	POST     /api/events/publish?event=<name>  publish the JSON body as an event
//	GET      /api/events/register              server-sent events stream
//	GET      /api/events/ws                    websocket stream
//	GET|POST /api/events/unregister            close a subscriber stream
//	GET      /api/pipeline/stats               pipeline counters
//	GET      /api/pipeline/handlers            registered event names
func (s *Service) APIHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.cors,
	)

	r.Route("/api/events", func(r chi.Router) {
		r.Post("/publish", s.handlePublish)
		r.Method(http.MethodGet, "/register", broadcast.SSEHandler(s.broadcaster, s.keyFunc, s.Logger))
		r.Method(http.MethodGet, "/ws", broadcast.WebSocketHandler(s.broadcaster, s.keyFunc, s.Logger))
		r.Get("/unregister", s.handleUnregister)
		r.Post("/unregister", s.handleUnregister)
	})
	r.Route("/api/pipeline", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/handlers", s.handleHandlers)
	})
	return r
}

func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	eventName := r.URL.Query().Get("event")
	if eventName == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: errspkg.ErrEventNameRequired.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read request body: " + err.Error()})
		return
	}

	var payload any
	if len(strings.TrimSpace(string(body))) > 0 {
		if !jsoncodec.Valid(body) {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body is not valid JSON"})
			return
		}
		payload = json.RawMessage(body)
	}

	key := r.Header.Get(PartitionKeyHeader)
	if key == "" {
		key = r.URL.Query().Get("key")
	}

	result, err := s.producer.Publish(r.Context(), eventName, payload, key)
	if err != nil {
		var delivery *errspkg.BrokerDeliveryError
		if errors.As(err, &delivery) {
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	key, err := s.keyFunc(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	removed := s.broadcaster.Unregister(key)
	s.writeJSON(w, http.StatusOK, unregisterResponse{Key: key, Unregistered: removed})
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Service) handleHandlers(w http.ResponseWriter, _ *http.Request) {
	resp := handlersResponse{
		InputTopic:   s.Conf.InputTopic,
		EventNames:   []string{},
		Transport:    s.capabilities.Name,
		Partitioning: s.capabilities.SupportsPartitioning,
		Persistent:   s.capabilities.Persistent,
	}
	if reg := s.Registry(); reg != nil {
		resp.EventNames = reg.EventNames()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.Logger.Debug("Failed to write response", loggingpkg.LogFields{"error": err.Error()})
	}
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (s *Service) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.APICORSAllowedOrigins) > 0 {
			if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+PartitionKeyHeader+", "+broadcast.DefaultKeyHeader)
				if allowed != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.APICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
