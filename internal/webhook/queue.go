package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/smsgate/internal/db"
)

type Status string

const (
	StatusPending           Status = "Pending"
	StatusProcessing        Status = "Processing"
	StatusCompleted         Status = "Completed"
	StatusFailed            Status = "Failed"
	StatusPermanentlyFailed Status = "PermanentlyFailed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPermanentlyFailed
}

var ErrEntryNotFound = errors.New("webhook entry not found")

// Entry is one pending POST. Times are unix milliseconds.
type Entry struct {
	ID          int64
	URL         string
	Payload     []byte
	Status      Status
	RetryCount  int
	NextAttempt int64
	ClaimedAt   *int64
	LastError   *string
	CreatedAt   int64
}

// Queue is the durable webhook delivery queue.
type Queue struct {
	DB  *db.DB
	Now func() time.Time

	// MaxDelay caps the retry backoff; zero means uncapped.
	MaxDelay time.Duration
}

func (q *Queue) nowMillis() int64 {
	if q.Now != nil {
		return q.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

const entryColumns = `id, url, payload, status, retry_count, next_attempt, claimed_at, last_error, created_at`

func (q *Queue) Enqueue(ctx context.Context, url string, payload []byte) (int64, error) {
	now := q.nowMillis()
	var id int64
	err := q.DB.Pool.QueryRow(ctx, `
		INSERT INTO webhook_queue (url, payload, status, retry_count, next_attempt, created_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		RETURNING id
	`, url, payload, string(StatusPending), now).Scan(&id)
	return id, err
}

// ClaimBatch marks up to limit due entries Processing and returns them,
// oldest nextAttempt first. Concurrent claimers never get the same entry.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]Entry, error) {
	now := q.nowMillis()
	var out []Entry
	err := q.DB.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+entryColumns+` FROM webhook_queue
			WHERE status IN ('Pending', 'Failed') AND next_attempt <= $1
			ORDER BY next_attempt, id
			LIMIT $2 FOR UPDATE SKIP LOCKED
		`, now, limit)
		if err != nil {
			return err
		}
		out, err = scanEntries(rows)
		if err != nil || len(out) == 0 {
			return err
		}

		ids := make([]int64, len(out))
		for i := range out {
			ids[i] = out[i].ID
			out[i].Status = StatusProcessing
			out[i].ClaimedAt = &now
		}
		_, err = tx.Exec(ctx, `UPDATE webhook_queue SET status = 'Processing', claimed_at = $2 WHERE id = ANY($1)`, ids, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return q.finish(ctx, id, StatusCompleted, nil)
}

// Release returns a claimed entry to Pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, id int64) error {
	_, err := q.DB.Pool.Exec(ctx, `
		UPDATE webhook_queue SET status = 'Pending', claimed_at = NULL WHERE id = $1 AND status = 'Processing'
	`, id)
	return err
}

func (q *Queue) MarkPermanentlyFailed(ctx context.Context, id int64, errText string) error {
	return q.finish(ctx, id, StatusPermanentlyFailed, &errText)
}

func (q *Queue) finish(ctx context.Context, id int64, status Status, errText *string) error {
	return q.DB.WithTx(ctx, func(tx pgx.Tx) error {
		cur, _, err := lockEntry(ctx, tx, id)
		if err != nil || cur.Terminal() {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE webhook_queue SET status = $2, claimed_at = NULL, last_error = COALESCE($3, last_error) WHERE id = $1
		`, id, string(status), errText)
		return err
	})
}

// MarkFailed records a failed delivery. While retryCount < maxRetries the
// entry is rescheduled with exponential backoff, otherwise it becomes
// PermanentlyFailed. Terminal entries are left untouched. The resulting
// status is returned.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errText string, maxRetries int, baseDelay time.Duration) (Status, error) {
	now := q.nowMillis()
	var result Status
	err := q.DB.WithTx(ctx, func(tx pgx.Tx) error {
		cur, retries, err := lockEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			result = cur
			return nil
		}

		if retries >= maxRetries {
			result = StatusPermanentlyFailed
			_, err = tx.Exec(ctx, `
				UPDATE webhook_queue SET status = $2, claimed_at = NULL, last_error = $3 WHERE id = $1
			`, id, string(result), errText)
			return err
		}

		result = StatusFailed
		next := retries + 1
		delay := Backoff(next, baseDelay, q.MaxDelay)
		_, err = tx.Exec(ctx, `
			UPDATE webhook_queue
			SET status = $2, retry_count = $3, next_attempt = $4, claimed_at = NULL, last_error = $5
			WHERE id = $1
		`, id, string(result), next, now+delay.Milliseconds(), errText)
		return err
	})
	return result, err
}

// RecoverStuck returns Processing entries claimed before now-timeout to
// Pending so a crashed delivery is retried.
func (q *Queue) RecoverStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := q.nowMillis() - timeout.Milliseconds()
	tag, err := q.DB.Pool.Exec(ctx, `
		UPDATE webhook_queue SET status = 'Pending', claimed_at = NULL
		WHERE status = 'Processing' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Cleanup deletes Completed and PermanentlyFailed entries created before
// now-retention.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.nowMillis() - retention.Milliseconds()
	tag, err := q.DB.Pool.Exec(ctx, `
		DELETE FROM webhook_queue
		WHERE status IN ('Completed', 'PermanentlyFailed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	rows, err := q.DB.Pool.Query(ctx, `SELECT `+entryColumns+` FROM webhook_queue WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return &entries[0], nil
}

func lockEntry(ctx context.Context, tx pgx.Tx, id int64) (Status, int, error) {
	var st string
	var retries int
	err := tx.QueryRow(ctx, `SELECT status, retry_count FROM webhook_queue WHERE id = $1 FOR UPDATE`, id).Scan(&st, &retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrEntryNotFound
	}
	return Status(st), retries, err
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var st string
		if err := rows.Scan(&e.ID, &e.URL, &e.Payload, &st, &e.RetryCount, &e.NextAttempt, &e.ClaimedAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = Status(st)
		out = append(out, e)
	}
	return out, rows.Err()
}
