package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/smsgate/internal/webhook"
)

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.Webhooks.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) postWebhook(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID    string            `json:"id"`
		URL   string            `json:"url"`
		Event webhook.EventType `json:"event"`
	}
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.Webhooks.Save(r.Context(), webhook.Subscription{ID: in.ID, URL: in.URL, Event: in.Event})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.Webhooks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
