package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/metrics"
)

type sendRequest struct {
	ID                 string            `json:"id"`
	Message            string            `json:"message"`
	TextMessage        *core.TextContent `json:"textMessage"`
	DataMessage        *core.DataContent `json:"dataMessage"`
	MMSMessage         *core.MMSContent  `json:"mmsMessage"`
	PhoneNumbers       []string          `json:"phoneNumbers"`
	SimNumber          *int              `json:"simNumber"`
	WithDeliveryReport *bool             `json:"withDeliveryReport"`
	IsEncrypted        bool              `json:"isEncrypted"`
	Priority           int8              `json:"priority"`
	TTL                *int64            `json:"ttl"` // seconds
	ValidUntil         *time.Time        `json:"validUntil"`
}

func (in sendRequest) toMessage() (core.Message, core.EnqueueParams, error) {
	msg := core.Message{
		ID:                 in.ID,
		PhoneNumbers:       in.PhoneNumbers,
		SimNumber:          in.SimNumber,
		WithDeliveryReport: true,
		IsEncrypted:        in.IsEncrypted,
		Priority:           in.Priority,
		Content: core.Content{
			Text: in.TextMessage,
			Data: in.DataMessage,
			MMS:  in.MMSMessage,
		},
	}
	if in.WithDeliveryReport != nil {
		msg.WithDeliveryReport = *in.WithDeliveryReport
	}
	if in.Message != "" {
		if in.TextMessage != nil {
			return msg, core.EnqueueParams{}, &core.ValidationError{Field: "message", Reason: "message and textMessage are mutually exclusive"}
		}
		msg.Content.Text = &core.TextContent{Text: in.Message}
	}

	var p core.EnqueueParams
	if in.TTL != nil {
		ttl := time.Duration(*in.TTL) * time.Second
		p.TTL = &ttl
	}
	p.ValidUntil = in.ValidUntil
	return msg, p, nil
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var in sendRequest
	if err := decode(w, r, &in); err != nil {
		metrics.APIEnqueue.WithLabelValues("invalid").Inc()
		s.writeError(w, r, err)
		return
	}
	msg, params, err := in.toMessage()
	if err != nil {
		metrics.APIEnqueue.WithLabelValues("invalid").Inc()
		s.writeError(w, r, err)
		return
	}
	params.SkipPhoneValidation, _ = strconv.ParseBool(r.URL.Query().Get("skipPhoneValidation"))

	out, already, err := s.Messages.Enqueue(r.Context(), msg, params)
	if err != nil {
		if core.IsValidation(err) || core.IsDecryption(err) {
			metrics.APIEnqueue.WithLabelValues("invalid").Inc()
		} else {
			metrics.APIEnqueue.WithLabelValues("error").Inc()
		}
		s.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if already {
		status = http.StatusOK
		metrics.APIEnqueue.WithLabelValues("duplicate").Inc()
	} else {
		metrics.APIEnqueue.WithLabelValues("accepted").Inc()
		if s.Enqueued != nil {
			s.Enqueued()
		}
	}
	w.Header().Set("Location", "/messages/"+out.ID)
	writeJSON(w, status, out)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	d, err := s.Messages.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
