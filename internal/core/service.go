package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/smsgate/internal/db"
)

// Store is the message ledger: messages, recipients and their state history.
type Store struct {
	DB *db.DB

	// Cipher opens encrypted submissions; nil rejects them.
	Cipher Decrypter

	// PhoneRegion is the default region for numbers without a country code.
	PhoneRegion string
	Now         func() time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const messageColumns = `id, content, is_encrypted, priority, sim_number, with_delivery_report,
	valid_until, source, state, parts_count, created_at, processed_at`

func (s *Store) now() time.Time {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	// postgres keeps microseconds
	return now.UTC().Truncate(time.Microsecond)
}

// Enqueue validates msg and stores it with one Pending recipient per phone
// number. Re-submitting an existing id returns the stored message and
// already=true without modifying it.
func (s *Store) Enqueue(ctx context.Context, msg Message, p EnqueueParams) (out *Message, already bool, err error) {
	now := s.now()
	if err := s.prepare(&msg, p, now); err != nil {
		return nil, false, err
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, false, err
	}

	err = s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO messages (id, content, is_encrypted, priority, sim_number, with_delivery_report,
				valid_until, source, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, msg.ID, content, msg.IsEncrypted, int16(msg.Priority), msg.SimNumber, msg.WithDeliveryReport,
			msg.ValidUntil, string(msg.Source), string(StatePending), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			already = true
			out, err = loadMessage(ctx, tx, msg.ID)
			return err
		}

		for i, phone := range msg.PhoneNumbers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO recipients (message_id, phone_number, position, state) VALUES ($1, $2, $3, $4)
			`, msg.ID, phone, i, string(StatePending)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO recipient_states (message_id, phone_number, state, updated_at) VALUES ($1, $2, $3, $4)
			`, msg.ID, phone, string(StatePending), now); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `INSERT INTO message_states (message_id, state, updated_at) VALUES ($1, $2, $3)`,
			msg.ID, string(StatePending), now)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if already {
		return out, true, nil
	}

	msg.State = StatePending
	msg.CreatedAt = now
	msg.Recipients = make([]Recipient, len(msg.PhoneNumbers))
	for i, phone := range msg.PhoneNumbers {
		msg.Recipients[i] = Recipient{PhoneNumber: phone, State: StatePending}
	}
	return &msg, false, nil
}

func (s *Store) prepare(msg *Message, p EnqueueParams, now time.Time) error {
	msg.PhoneNumbers = append([]string(nil), msg.PhoneNumbers...)
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.ID) > MaxIDLength {
		return invalid("id", "must be at most %d characters", MaxIDLength)
	}

	msg.ValidUntil = nil
	switch {
	case p.TTL != nil && p.ValidUntil != nil:
		return invalid("ttl", "ttl and validUntil are mutually exclusive")
	case p.TTL != nil:
		if *p.TTL <= 0 {
			return invalid("ttl", "must be positive")
		}
		vu := now.Add(*p.TTL)
		msg.ValidUntil = &vu
	case p.ValidUntil != nil:
		if !p.ValidUntil.After(now) {
			return invalid("validUntil", "must be in the future")
		}
		vu := p.ValidUntil.UTC().Truncate(time.Microsecond)
		msg.ValidUntil = &vu
	}

	if msg.SimNumber != nil && (*msg.SimNumber < 1 || *msg.SimNumber > 255) {
		return invalid("simNumber", "must be in 1..255")
	}
	switch msg.Source {
	case "":
		msg.Source = SourceLocal
	case SourceLocal, SourceCloud, SourceGateway:
	default:
		return invalid("source", "unknown source %q", msg.Source)
	}

	for i, n := range msg.PhoneNumbers {
		msg.PhoneNumbers[i] = strings.TrimSpace(n)
	}
	if err := checkRecipients(msg.PhoneNumbers); err != nil {
		return err
	}

	plain := *msg
	if msg.IsEncrypted {
		var err error
		if plain, err = DecryptMessage(s.Cipher, *msg); err != nil {
			return err
		}
		if err := checkRecipients(plain.PhoneNumbers); err != nil {
			return err
		}
	}

	if err := plain.Content.Validate(); err != nil {
		return err
	}
	if !p.SkipPhoneValidation {
		for _, n := range plain.PhoneNumbers {
			if err := ValidatePhoneNumber(n, s.PhoneRegion); err != nil {
				return err
			}
		}
	}
	return nil
}

// SelectNextPending returns the single most urgent pending message, or nil
// when there is none: highest priority first, then creation order.
func (s *Store) SelectNextPending(ctx context.Context, order Order) (*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE state = 'Pending'
		ORDER BY ` + queueOrder(order) + `
		LIMIT 1`
	return s.pending(ctx, s.DB.Pool.QueryRow(ctx, q))
}

// ClaimNextPending is SelectNextPending for competing dispatchers. The
// returned message is reserved until now+lease and skipped by other callers
// until its outcome is recorded, ReleaseClaim is called or the lease lapses.
// The message itself stays Pending.
func (s *Store) ClaimNextPending(ctx context.Context, order Order, lease time.Duration) (*Message, error) {
	now := s.now()
	q := `UPDATE messages SET claimed_until = $1
		WHERE id = (
			SELECT id FROM messages
			WHERE state = 'Pending' AND (claimed_until IS NULL OR claimed_until <= $2)
			ORDER BY ` + queueOrder(order) + `
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns
	return s.pending(ctx, s.DB.Pool.QueryRow(ctx, q, now.Add(lease), now))
}

// ReleaseClaim drops the reservation taken by ClaimNextPending.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.DB.Pool.Exec(ctx, `UPDATE messages SET claimed_until = NULL WHERE id = $1`, id)
	return err
}

func queueOrder(order Order) string {
	dir := "ASC"
	if order == OrderLIFO {
		dir = "DESC"
	}
	return "priority DESC, created_at " + dir + ", seq " + dir
}

func (s *Store) pending(ctx context.Context, row pgx.Row) (*Message, error) {
	msg, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.Recipients, err = loadRecipients(ctx, s.DB.Pool, msg.ID); err != nil {
		return nil, err
	}
	msg.PhoneNumbers = phoneNumbers(msg.Recipients)
	return msg, nil
}

type change struct {
	phone   string
	state   State
	errText string
}

// RecordAttemptOutcome applies the transmission result of one dispatch
// attempt. Recipients missing from res are marked Failed.
func (s *Store) RecordAttemptOutcome(ctx context.Context, id string, res AttemptResult) (*Update, error) {
	for _, r := range res.Recipients {
		switch r.State {
		case StateProcessed, StateSent, StateFailed:
		default:
			return nil, invalid("state", "unexpected attempt outcome %q", r.State)
		}
	}

	return s.apply(ctx, id, res.PartsCount, func(current []Recipient) []change {
		byPhone := make(map[string]RecipientResult, len(res.Recipients))
		for _, r := range res.Recipients {
			byPhone[r.PhoneNumber] = r
		}
		changes := make([]change, 0, len(current))
		for _, rc := range current {
			r, ok := byPhone[rc.PhoneNumber]
			if !ok {
				changes = append(changes, change{phone: rc.PhoneNumber, state: StateFailed, errText: "no result from transmission"})
				continue
			}
			changes = append(changes, change{phone: rc.PhoneNumber, state: r.State, errText: r.Error})
		}
		return changes
	})
}

// ApplyDeliveryCallback records an asynchronous sent (Sent/Failed) or
// delivery-report (Delivered) callback for one recipient. Unknown
// recipients and stale callbacks are ignored.
func (s *Store) ApplyDeliveryCallback(ctx context.Context, id, phone string, state State, errText string) (*Update, error) {
	switch state {
	case StateSent, StateFailed, StateDelivered:
	default:
		return nil, invalid("state", "unexpected callback state %q", state)
	}
	return s.apply(ctx, id, nil, func([]Recipient) []change {
		return []change{{phone: phone, state: state, errText: errText}}
	})
}

// FailMessage marks every recipient Failed with reason.
func (s *Store) FailMessage(ctx context.Context, id, reason string) (*Update, error) {
	return s.apply(ctx, id, nil, func(current []Recipient) []change {
		changes := make([]change, len(current))
		for i, r := range current {
			changes[i] = change{phone: r.PhoneNumber, state: StateFailed, errText: reason}
		}
		return changes
	})
}

// apply runs a guarded recipient update and re-derives the message state in
// one transaction. The message row lock serialises the dispatch path with
// the callback path.
func (s *Store) apply(ctx context.Context, id string, partsCount *int, plan func([]Recipient) []change) (*Update, error) {
	now := s.now()
	upd := &Update{MessageID: id}

	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var cur string
		err := tx.QueryRow(ctx, `SELECT state FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		recipients, err := loadRecipients(ctx, tx, id)
		if err != nil {
			return err
		}
		idx := make(map[string]int, len(recipients))
		for i, r := range recipients {
			idx[r.PhoneNumber] = i
		}

		for _, c := range plan(recipients) {
			i, ok := idx[c.phone]
			if !ok || !CanTransition(recipients[i].State, c.state) {
				continue
			}
			var errText *string
			if c.state == StateFailed && c.errText != "" {
				errText = &c.errText
			}
			tag, err := tx.Exec(ctx, `
				UPDATE recipients SET state = $3, error = COALESCE($4, error)
				WHERE message_id = $1 AND phone_number = $2 AND state = ANY($5)
			`, id, c.phone, string(c.state), errText, allowedFrom(c.state))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO recipient_states (message_id, phone_number, state, updated_at) VALUES ($1, $2, $3, $4)
			`, id, c.phone, string(c.state), now); err != nil {
				return err
			}

			recipients[i].State = c.state
			if errText != nil {
				recipients[i].Error = errText
			}
			upd.Transitions = append(upd.Transitions, Transition{
				MessageID:   id,
				PhoneNumber: c.phone,
				State:       c.state,
				Error:       c.errText,
				PartsCount:  partsCount,
				At:          now,
			})
		}

		states := make([]State, len(recipients))
		for i, r := range recipients {
			states[i] = r.State
		}
		next := AggregateState(states)
		upd.State = next
		upd.StateChanged = string(next) != cur

		var processedAt *time.Time
		if next != StatePending {
			processedAt = &now
		}
		if _, err := tx.Exec(ctx, `
			UPDATE messages
			SET state = $2, processed_at = COALESCE(processed_at, $3), parts_count = COALESCE($4, parts_count),
				claimed_until = NULL
			WHERE id = $1
		`, id, string(next), processedAt, partsCount); err != nil {
			return err
		}
		if upd.StateChanged {
			if _, err := tx.Exec(ctx, `INSERT INTO message_states (message_id, state, updated_at) VALUES ($1, $2, $3)`,
				id, string(next), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return upd, nil
}

// GetMessage returns the message with recipients and full state history.
func (s *Store) GetMessage(ctx context.Context, id string) (*MessageDetails, error) {
	msg, err := loadMessage(ctx, s.DB.Pool, id)
	if err != nil {
		return nil, err
	}
	d := &MessageDetails{Message: *msg, States: []StateEntry{}, RecipientStates: []RecipientStateEntry{}}

	rows, err := s.DB.Pool.Query(ctx, `SELECT state, updated_at FROM message_states WHERE message_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e StateEntry
		var st string
		if err := rows.Scan(&st, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		e.State = State(st)
		e.UpdatedAt = e.UpdatedAt.UTC()
		d.States = append(d.States, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.DB.Pool.Query(ctx, `
		SELECT phone_number, state, updated_at FROM recipient_states WHERE message_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e RecipientStateEntry
		var st string
		if err := rows.Scan(&e.PhoneNumber, &st, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.State = State(st)
		e.UpdatedAt = e.UpdatedAt.UTC()
		d.RecipientStates = append(d.RecipientStates, e)
	}
	return d, rows.Err()
}

// PurgeOlderThan deletes finished messages created before now-age together
// with their recipients and history. Pending work is never purged.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.DB.Pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1 AND state <> 'Pending'`, s.now().Add(-age))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func loadMessage(ctx context.Context, q querier, id string) (*Message, error) {
	msg, err := scanMessage(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if msg.Recipients, err = loadRecipients(ctx, q, id); err != nil {
		return nil, err
	}
	msg.PhoneNumbers = phoneNumbers(msg.Recipients)
	return msg, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m          Message
		content    []byte
		priority   int16
		sim        *int16
		source     string
		state      string
		partsCount *int32
	)
	err := row.Scan(&m.ID, &content, &m.IsEncrypted, &priority, &sim, &m.WithDeliveryReport,
		&m.ValidUntil, &source, &state, &partsCount, &m.CreatedAt, &m.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", m.ID, err)
	}
	m.Priority = int8(priority)
	if sim != nil {
		n := int(*sim)
		m.SimNumber = &n
	}
	if partsCount != nil {
		n := int(*partsCount)
		m.PartsCount = &n
	}
	m.Source = Source(source)
	m.State = State(state)
	m.CreatedAt = m.CreatedAt.UTC()
	m.ValidUntil = utc(m.ValidUntil)
	m.ProcessedAt = utc(m.ProcessedAt)
	return &m, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func loadRecipients(ctx context.Context, q querier, id string) ([]Recipient, error) {
	rows, err := q.Query(ctx, `
		SELECT phone_number, state, error FROM recipients WHERE message_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var st string
		if err := rows.Scan(&r.PhoneNumber, &st, &r.Error); err != nil {
			return nil, err
		}
		r.State = State(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

func phoneNumbers(rs []Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.PhoneNumber
	}
	return out
}
