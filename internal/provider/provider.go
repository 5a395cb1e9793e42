package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Cypherspark/smsgate/internal/core"
)

// Recipient is one destination of a send. Key is the ledger's recipient
// key and is echoed back in results and callbacks; PhoneNumber is the
// plaintext number handed to the radio.
type Recipient struct {
	Key         string
	PhoneNumber string
}

type SendRequest struct {
	MessageID          string
	Recipients         []Recipient
	Content            core.Content
	SimNumber          *int
	WithDeliveryReport bool
}

// RecipientStatus is the synchronous outcome for one recipient. Err set
// means rejected; Sent means confirmed immediately; otherwise the radio
// accepted it and a sent callback follows.
type RecipientStatus struct {
	Key  string
	Sent bool
	Err  error
}

type SendResult struct {
	PartsCount *int
	Recipients []RecipientStatus
}

// RecipientSendError is a per-recipient rejection. It is recorded on the
// recipient and never fails its siblings.
type RecipientSendError struct {
	PhoneNumber string
	Reason      string
}

func (e *RecipientSendError) Error() string {
	return fmt.Sprintf("send to %s: %s", e.PhoneNumber, e.Reason)
}

// Provider transmits a message to all of its recipients. A returned error
// means the whole attempt failed.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type Inbound struct {
	ID          string
	PhoneNumber string
	Text        string
	SimNumber   *int
	ReceivedAt  time.Time
}

// Callbacks receives asynchronous radio notifications keyed by message id
// and recipient key. A nil err means success.
type Callbacks interface {
	OnSent(ctx context.Context, messageID, key string, err error)
	OnDelivered(ctx context.Context, messageID, key string, err error)
	OnReceived(ctx context.Context, in Inbound)
}
