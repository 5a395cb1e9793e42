package webhook

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/db"
)

type EventType string

const (
	EventSmsSent      EventType = "sms:sent"
	EventSmsDelivered EventType = "sms:delivered"
	EventSmsFailed    EventType = "sms:failed"
	EventSmsReceived  EventType = "sms:received"
	EventSystemPing   EventType = "system:ping"
)

var EventTypes = []EventType{EventSmsSent, EventSmsDelivered, EventSmsFailed, EventSmsReceived, EventSystemPing}

func (e EventType) Valid() bool {
	for _, t := range EventTypes {
		if t == e {
			return true
		}
	}
	return false
}

var (
	ErrSubscriptionNotFound = errors.New("webhook not found")
	ErrSubscriptionExists   = errors.New("webhook for this url and event already exists")
)

type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Event     EventType   `json:"event"`
	Source    core.Source `json:"source"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Subscriptions is the webhook registry.
type Subscriptions struct {
	DB *db.DB
}

// Save creates the subscription or replaces the one with the same id.
func (s *Subscriptions) Save(ctx context.Context, sub Subscription) (*Subscription, error) {
	sub.ID = strings.TrimSpace(sub.ID)
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if len(sub.ID) > core.MaxIDLength {
		return nil, &core.ValidationError{Field: "id", Reason: "too long"}
	}
	if !sub.Event.Valid() {
		return nil, &core.ValidationError{Field: "event", Reason: "unknown event " + string(sub.Event)}
	}
	if err := ValidateURL(sub.URL); err != nil {
		return nil, err
	}
	if sub.Source == "" {
		sub.Source = core.SourceLocal
	}

	err := s.DB.Pool.QueryRow(ctx, `
		INSERT INTO webhooks (id, url, event, source, created_at) VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url, event = EXCLUDED.event
		RETURNING created_at
	`, sub.ID, sub.URL, string(sub.Event), string(sub.Source)).Scan(&sub.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSubscriptionExists
		}
		return nil, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}

func (s *Subscriptions) List(ctx context.Context) ([]Subscription, error) {
	return s.query(ctx, `SELECT id, url, event, source, created_at FROM webhooks ORDER BY created_at, id`)
}

func (s *Subscriptions) ListByEvent(ctx context.Context, ev EventType) ([]Subscription, error) {
	return s.query(ctx, `SELECT id, url, event, source, created_at FROM webhooks WHERE event = $1 ORDER BY created_at, id`, string(ev))
}

func (s *Subscriptions) Delete(ctx context.Context, id string) error {
	tag, err := s.DB.Pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *Subscriptions) query(ctx context.Context, sql string, args ...any) ([]Subscription, error) {
	rows, err := s.DB.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Subscription{}
	for rows.Next() {
		var sub Subscription
		var ev, src string
		if err := rows.Scan(&sub.ID, &sub.URL, &ev, &src, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Event = EventType(ev)
		sub.Source = core.Source(src)
		sub.CreatedAt = sub.CreatedAt.UTC()
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ValidateURL accepts https URLs, and plain http only for loopback hosts.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &core.ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return &core.ValidationError{Field: "url", Reason: "http is only allowed for loopback hosts"}
	}
	return &core.ValidationError{Field: "url", Reason: "scheme must be https"}
}
