package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/events"
	"github.com/Cypherspark/smsgate/internal/metrics"
)

type subscriptionLister interface {
	ListByEvent(ctx context.Context, ev EventType) ([]Subscription, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, url string, payload []byte) (int64, error)
}

// Payload is the JSON body POSTed to a subscriber.
type Payload struct {
	ID        string    `json:"id"`
	WebhookID string    `json:"webhookId"`
	DeviceID  string    `json:"deviceId"`
	Event     EventType `json:"event"`
	Payload   any       `json:"payload"`
}

type SmsEventPayload struct {
	MessageID   string     `json:"messageId"`
	PhoneNumber string     `json:"phoneNumber"`
	PartsCount  *int       `json:"partsCount,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

type SmsReceivedPayload struct {
	MessageID   string    `json:"messageId"`
	Message     string    `json:"message"`
	PhoneNumber string    `json:"phoneNumber"`
	SimNumber   *int      `json:"simNumber,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

type PingPayload struct {
	At time.Time `json:"at"`
}

// FanOut turns gateway events into webhook queue entries, one per matching
// subscription. It is an events.Subscriber. Listing and each enqueue are
// retried with backoff up to Retries times; an event whose entries still
// cannot be stored is dropped and reported to the bus.
type FanOut struct {
	Subs     subscriptionLister
	Queue    enqueuer
	DeviceID string
	Log      *slog.Logger

	Retries    int           // zero means 3
	RetryDelay time.Duration // first backoff interval, zero means 200ms
}

func (f *FanOut) Handle(ctx context.Context, ev events.Event) error {
	typ, body, ok := toWebhook(ev)
	if !ok {
		return nil
	}

	var subs []Subscription
	err := f.retry(ctx, func() (err error) {
		subs, err = f.Subs.ListByEvent(ctx, typ)
		return err
	})
	if err != nil {
		return fmt.Errorf("list webhooks for %s: %w", typ, err)
	}
	for _, sub := range subs {
		raw, err := json.Marshal(Payload{
			ID:        uuid.NewString(),
			WebhookID: sub.ID,
			DeviceID:  f.DeviceID,
			Event:     typ,
			Payload:   body,
		})
		if err != nil {
			return err
		}
		var id int64
		err = f.retry(ctx, func() (err error) {
			id, err = f.Queue.Enqueue(ctx, sub.URL, raw)
			return err
		})
		if err != nil {
			return fmt.Errorf("enqueue webhook %s: %w", sub.ID, err)
		}
		metrics.WebhookEnqueued.WithLabelValues(string(typ)).Inc()
		if f.Log != nil {
			f.Log.Debug("webhook enqueued", "entry_id", id, "webhook_id", sub.ID, "event", typ)
		}
	}
	return nil
}

func (f *FanOut) retry(ctx context.Context, op func() error) error {
	retries, delay := f.Retries, f.RetryDelay
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}

func toWebhook(ev events.Event) (EventType, any, bool) {
	switch e := ev.(type) {
	case events.MessageStateChanged:
		at := e.At.UTC()
		p := SmsEventPayload{MessageID: e.MessageID, PhoneNumber: e.PhoneNumber}
		switch e.State {
		case core.StateSent:
			p.PartsCount = e.PartsCount
			p.SentAt = &at
			return EventSmsSent, p, true
		case core.StateDelivered:
			p.DeliveredAt = &at
			return EventSmsDelivered, p, true
		case core.StateFailed:
			p.Reason = e.Error
			p.FailedAt = &at
			return EventSmsFailed, p, true
		}
	case events.MessageReceived:
		return EventSmsReceived, SmsReceivedPayload{
			MessageID:   e.MessageID,
			Message:     e.Text,
			PhoneNumber: e.PhoneNumber,
			SimNumber:   e.SimNumber,
			ReceivedAt:  e.ReceivedAt.UTC(),
		}, true
	case events.Ping:
		return EventSystemPing, PingPayload{At: e.At.UTC()}, true
	}
	return "", nil, false
}
