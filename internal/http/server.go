package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/webhook"
)

type MessageStore interface {
	Enqueue(ctx context.Context, msg core.Message, p core.EnqueueParams) (*core.Message, bool, error)
	GetMessage(ctx context.Context, id string) (*core.MessageDetails, error)
}

type WebhookStore interface {
	Save(ctx context.Context, sub webhook.Subscription) (*webhook.Subscription, error)
	List(ctx context.Context) ([]webhook.Subscription, error)
	Delete(ctx context.Context, id string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the local HTTP API.
type Server struct {
	Messages MessageStore
	Webhooks WebhookStore
	DB       Pinger
	// Enqueued is called after a new message is stored.
	Enqueued func()
	Log      *slog.Logger
}

const maxBody = 1 << 20

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Post("/messages", s.postMessage)
	r.Get("/messages/{id}", s.getMessage)
	r.Get("/webhooks", s.listWebhooks)
	r.Post("/webhooks", s.postWebhook)
	r.Delete("/webhooks/{id}", s.deleteWebhook)
	return r
}

// OpsRouter serves only health and metrics, for worker-only processes.
func (s *Server) OpsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *core.ValidationError
		derr *core.DecryptionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Field: verr.Field, Message: verr.Reason})
	case errors.As(err, &derr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decryption_failed", Field: derr.Field, Message: derr.Err.Error()})
	case errors.Is(err, core.ErrNotFound), errors.Is(err, webhook.ErrSubscriptionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, webhook.ErrSubscriptionExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})
	default:
		s.logger().Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &core.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
