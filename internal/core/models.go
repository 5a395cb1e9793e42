package core

import (
	"math"
	"time"
)

type State string

const (
	StatePending   State = "Pending"
	StateProcessed State = "Processed"
	StateSent      State = "Sent"
	StateDelivered State = "Delivered"
	StateFailed    State = "Failed"
)

var States = []State{StatePending, StateProcessed, StateSent, StateDelivered, StateFailed}

type Source string

const (
	SourceLocal   Source = "Local"
	SourceCloud   Source = "Cloud"
	SourceGateway Source = "Gateway"
)

// Order breaks ties between pending messages of equal priority.
type Order string

const (
	OrderFIFO Order = "fifo"
	OrderLIFO Order = "lifo"
)

const (
	PriorityDefault   int8 = 0
	PriorityExpedited int8 = 100
	PriorityMin       int8 = math.MinInt8
)

const (
	MaxIDLength   = 36
	MaxRecipients = 100
)

type TextContent struct {
	Text string `json:"text"`
}

// DataContent is a binary datagram; Data is base64 encoded.
type DataContent struct {
	Data string `json:"data"`
	Port uint16 `json:"port"`
}

type Attachment struct {
	ContentType string `json:"contentType"`
	Name        string `json:"name,omitempty"`
	Data        string `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
}

type MMSContent struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
}

// Content holds exactly one of the message bodies.
type Content struct {
	Text *TextContent `json:"text,omitempty"`
	Data *DataContent `json:"data,omitempty"`
	MMS  *MMSContent  `json:"mms,omitempty"`
}

type Message struct {
	ID                 string      `json:"id"`
	Content            Content     `json:"content"`
	PhoneNumbers       []string    `json:"phoneNumbers,omitempty"`
	IsEncrypted        bool        `json:"isEncrypted"`
	Priority           int8        `json:"priority"`
	SimNumber          *int        `json:"simNumber,omitempty"`
	WithDeliveryReport bool        `json:"withDeliveryReport"`
	ValidUntil         *time.Time  `json:"validUntil,omitempty"`
	Source             Source      `json:"source"`
	State              State       `json:"state"`
	PartsCount         *int        `json:"partsCount,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	ProcessedAt        *time.Time  `json:"processedAt,omitempty"`
	Recipients         []Recipient `json:"recipients"`
}

type Recipient struct {
	PhoneNumber string  `json:"phoneNumber"`
	State       State   `json:"state"`
	Error       *string `json:"error,omitempty"`
}

type StateEntry struct {
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RecipientStateEntry struct {
	PhoneNumber string    `json:"phoneNumber"`
	State       State     `json:"state"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MessageDetails is a message with its full transition timeline.
type MessageDetails struct {
	Message
	States          []StateEntry          `json:"states"`
	RecipientStates []RecipientStateEntry `json:"recipientStates"`
}

type EnqueueParams struct {
	SkipPhoneValidation bool

	// TTL and ValidUntil are mutually exclusive.
	TTL        *time.Duration
	ValidUntil *time.Time
}

// RecipientResult is the transmission outcome for one recipient.
// State is StateProcessed (accepted by the radio), StateSent (confirmed
// synchronously) or StateFailed.
type RecipientResult struct {
	PhoneNumber string
	State       State
	Error       string
}

type AttemptResult struct {
	PartsCount *int
	Recipients []RecipientResult
}

// Transition is one applied recipient state change.
type Transition struct {
	MessageID   string
	PhoneNumber string
	State       State
	Error       string
	PartsCount  *int
	At          time.Time
}

// Update describes what a ledger write changed.
type Update struct {
	MessageID    string
	State        State
	StateChanged bool
	Transitions  []Transition
}
