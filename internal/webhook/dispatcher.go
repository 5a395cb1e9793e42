package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Cypherspark/smsgate/internal/metrics"
)

// DeliveryError is a failed POST: a transport error or a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook responded %d", e.StatusCode)
	}
	return "webhook delivery: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type store interface {
	ClaimBatch(ctx context.Context, limit int) ([]Entry, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string, maxRetries int, baseDelay time.Duration) (Status, error)
	MarkPermanentlyFailed(ctx context.Context, id int64, errText string) error
	Release(ctx context.Context, id int64) error
	RecoverStuck(ctx context.Context, timeout time.Duration) (int64, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

type DispatcherOptions struct {
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	BaseDelay    time.Duration
	Timeout      time.Duration // per POST
	StuckTimeout time.Duration
	Retention    time.Duration
	SigningKey   []byte
}

// Dispatcher delivers queued webhook entries.
type Dispatcher struct {
	Queue  store
	Client *http.Client
	Opt    DispatcherOptions
	Log    *slog.Logger
	Now    func() time.Time
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RunOnce claims one batch and delivers it. Per-entry failures are recorded
// on the entry and never affect siblings; the first bookkeeping error is
// returned after the whole batch has been handled. Entries not yet started
// when ctx is cancelled are released unattempted; started ones run to
// completion.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	limit := d.Opt.BatchSize
	if limit <= 0 {
		limit = 50
	}
	entries, err := d.Queue.ClaimBatch(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claim webhook batch: %w", err)
	}
	metrics.WebhookClaimBatchSize.Observe(float64(len(entries)))
	if len(entries) == 0 {
		return 0, nil
	}

	conc := d.Opt.Concurrency
	if conc <= 0 {
		conc = 4
	}
	var g errgroup.Group
	g.SetLimit(conc)
	// attempts and their bookkeeping outlive ctx
	actx := context.WithoutCancel(ctx)
	for _, e := range entries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return d.Queue.Release(actx, e.ID)
			}
			return d.handle(actx, e)
		})
	}
	return len(entries), g.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, e Entry) error {
	log := d.logger().With("entry_id", e.ID, "url", e.URL)

	err := d.deliver(ctx, e)
	if err == nil {
		metrics.WebhookDelivery.WithLabelValues("completed").Inc()
		return d.Queue.MarkCompleted(ctx, e.ID)
	}

	var de *DeliveryError
	if !errors.As(err, &de) {
		// request could not even be built
		metrics.WebhookDelivery.WithLabelValues("permanently_failed").Inc()
		log.Warn("webhook entry rejected", "error", err)
		return d.Queue.MarkPermanentlyFailed(ctx, e.ID, err.Error())
	}

	st, mErr := d.Queue.MarkFailed(ctx, e.ID, err.Error(), d.Opt.MaxRetries, d.Opt.BaseDelay)
	if mErr != nil {
		return mErr
	}
	if st == StatusPermanentlyFailed {
		metrics.WebhookDelivery.WithLabelValues("permanently_failed").Inc()
		log.Warn("webhook delivery gave up", "error", err, "retries", e.RetryCount)
	} else {
		metrics.WebhookDelivery.WithLabelValues("failed").Inc()
		log.Info("webhook delivery failed, will retry", "error", err, "retries", e.RetryCount+1)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, e Entry) error {
	timeout := d.Opt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, e.URL, bytes.NewReader(e.Payload))
	if err != nil {
		return err
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if len(d.Opt.SigningKey) > 0 {
		req.Header.Set(HeaderSignature, Sign(d.Opt.SigningKey, e.Payload, ts))
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Maintain recovers stuck entries and removes old finished ones.
func (d *Dispatcher) Maintain(ctx context.Context) error {
	if d.Opt.StuckTimeout > 0 {
		n, err := d.Queue.RecoverStuck(ctx, d.Opt.StuckTimeout)
		if err != nil {
			return fmt.Errorf("recover stuck webhooks: %w", err)
		}
		if n > 0 {
			metrics.WebhookMaintenance.WithLabelValues("recovered").Add(float64(n))
			d.logger().Warn("recovered stuck webhook entries", "count", n)
		}
	}
	if d.Opt.Retention > 0 {
		n, err := d.Queue.Cleanup(ctx, d.Opt.Retention)
		if err != nil {
			return fmt.Errorf("cleanup webhooks: %w", err)
		}
		if n > 0 {
			metrics.WebhookMaintenance.WithLabelValues("cleaned").Add(float64(n))
			d.logger().Info("removed finished webhook entries", "count", n)
		}
	}
	return nil
}
