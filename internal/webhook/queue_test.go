package webhook_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	database "github.com/Cypherspark/smsgate/internal/db"
	"github.com/Cypherspark/smsgate/internal/webhook"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*webhook.Queue, *clock) {
	pg := database.StartTestPostgres(t)
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	return &webhook.Queue{DB: pg, Now: clk.Now}, clk
}

func TestQueue_BackoffThenPermanentFailure(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	t0 := clk.Now()

	id, err := q.Enqueue(ctx, "https://example.com/hook", []byte(`{}`))
	require.NoError(t, err)

	var deltas []int64
	for i := 0; i < 4; i++ {
		st, err := q.MarkFailed(ctx, id, "boom", 4, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, webhook.StatusFailed, st)

		e, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, i+1, e.RetryCount)
		deltas = append(deltas, e.NextAttempt-t0.UnixMilli())
	}
	require.Equal(t, []int64{5000, 10000, 20000, 40000}, deltas)

	st, err := q.MarkFailed(ctx, id, "final", 4, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPermanentlyFailed, st)

	// terminal entries stay put
	st, err = q.MarkFailed(ctx, id, "again", 4, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPermanentlyFailed, st)
	require.NoError(t, q.MarkCompleted(ctx, id))

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPermanentlyFailed, e.Status)
	require.Equal(t, "final", *e.LastError)
	require.Equal(t, 4, e.RetryCount)
}

func TestQueue_MaxDelayCapsBackoff(t *testing.T) {
	q, clk := newQueue(t)
	q.MaxDelay = 7 * time.Second
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "https://example.com/hook", []byte(`{}`))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = q.MarkFailed(ctx, id, "x", 10, 5*time.Second)
		require.NoError(t, err)
	}
	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 7000, e.NextAttempt-clk.Now().UnixMilli())
}

func TestQueue_ClaimBatchDueOnlyOldestFirst(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	t0 := clk.Now()

	first, err := q.Enqueue(ctx, "https://a", []byte(`1`))
	require.NoError(t, err)
	clk.Set(t0.Add(time.Second))
	second, err := q.Enqueue(ctx, "https://b", []byte(`2`))
	require.NoError(t, err)

	retried, err := q.Enqueue(ctx, "https://c", []byte(`3`))
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, retried, "x", 5, time.Minute)
	require.NoError(t, err)

	got, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, first, got[0].ID)
	require.Equal(t, second, got[1].ID)
	require.Equal(t, webhook.StatusProcessing, got[0].Status)

	// nothing else is due
	got, err = q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	clk.Set(t0.Add(2 * time.Minute))
	got, err = q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, retried, got[0].ID)
}

func TestQueue_ConcurrentClaimNoDuplicates(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	const total = 60
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "https://example.com", []byte(`{}`))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := q.ClaimBatch(ctx, 7)
				require.NoError(t, err)
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, e := range got {
					require.False(t, seen[e.ID], "duplicate claim %d", e.ID)
					seen[e.ID] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, total)
}

func TestQueue_RecoverStuck(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	t0 := clk.Now()

	old, err := q.Enqueue(ctx, "https://a", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	// claimed 5 minutes ago
	clk.Set(t0.Add(4 * time.Minute))
	recent, err := q.Enqueue(ctx, "https://b", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	clk.Set(t0.Add(5 * time.Minute))
	n, err := q.RecoverStuck(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	e, err := q.Get(ctx, old)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPending, e.Status)
	require.Nil(t, e.ClaimedAt)

	e, err = q.Get(ctx, recent)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusProcessing, e.Status)
}

func TestQueue_CleanupOnlyFinishedAndOld(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	t0 := clk.Now()

	done, _ := q.Enqueue(ctx, "https://a", []byte(`{}`))
	require.NoError(t, q.MarkCompleted(ctx, done))
	dead, _ := q.Enqueue(ctx, "https://b", []byte(`{}`))
	require.NoError(t, q.MarkPermanentlyFailed(ctx, dead, "gone"))
	pending, _ := q.Enqueue(ctx, "https://c", []byte(`{}`))
	failed, _ := q.Enqueue(ctx, "https://d", []byte(`{}`))
	_, err := q.MarkFailed(ctx, failed, "x", 3, time.Second)
	require.NoError(t, err)

	clk.Set(t0.Add(6 * 24 * time.Hour))
	fresh, _ := q.Enqueue(ctx, "https://e", []byte(`{}`))
	require.NoError(t, q.MarkCompleted(ctx, fresh))

	clk.Set(t0.Add(8 * 24 * time.Hour))
	n, err := q.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	for _, id := range []int64{pending, failed, fresh} {
		_, err := q.Get(ctx, id)
		require.NoError(t, err)
	}
	_, err = q.Get(ctx, done)
	require.ErrorIs(t, err, webhook.ErrEntryNotFound)
}

func TestQueue_ReleaseKeepsRetryCount(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "https://a", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, id))
	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPending, e.Status)
	require.Zero(t, e.RetryCount)
	require.Nil(t, e.ClaimedAt)

	require.NoError(t, q.MarkCompleted(ctx, id))
	require.NoError(t, q.Release(ctx, id))
	e, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusCompleted, e.Status)
}
