package events

import (
	"time"

	"github.com/Cypherspark/smsgate/internal/core"
)

// Event is one of MessageStateChanged, MessageReceived or Ping.
type Event interface {
	event()
}

// MessageStateChanged is published for every applied recipient transition.
type MessageStateChanged struct {
	MessageID   string
	PhoneNumber string
	State       core.State
	Error       string
	PartsCount  *int
	At          time.Time
}

type MessageReceived struct {
	MessageID   string
	PhoneNumber string
	Text        string
	SimNumber   *int
	ReceivedAt  time.Time
}

type Ping struct {
	At time.Time
}

func (MessageStateChanged) event() {}
func (MessageReceived) event()     {}
func (Ping) event()                {}

// FromUpdate turns the transitions of a ledger write into events.
func FromUpdate(u *core.Update) []Event {
	if u == nil {
		return nil
	}
	out := make([]Event, 0, len(u.Transitions))
	for _, tr := range u.Transitions {
		out = append(out, MessageStateChanged{
			MessageID:   tr.MessageID,
			PhoneNumber: tr.PhoneNumber,
			State:       tr.State,
			Error:       tr.Error,
			PartsCount:  tr.PartsCount,
			At:          tr.At,
		})
	}
	return out
}
