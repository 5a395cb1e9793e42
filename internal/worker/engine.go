package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/events"
	"github.com/Cypherspark/smsgate/internal/lock"
	"github.com/Cypherspark/smsgate/internal/metrics"
	"github.com/Cypherspark/smsgate/internal/provider"
)

const reasonExpired = "expired"

// ErrLeaseLost ends a drain whose dispatch lease could not be renewed.
var ErrLeaseLost = errors.New("dispatch lease lost")

// Ledger is the part of core.Store the dispatch path needs.
type Ledger interface {
	ClaimNextPending(ctx context.Context, order core.Order, lease time.Duration) (*core.Message, error)
	ReleaseClaim(ctx context.Context, id string) error
	RecordAttemptOutcome(ctx context.Context, id string, res core.AttemptResult) (*core.Update, error)
	ApplyDeliveryCallback(ctx context.Context, id, phone string, state core.State, errText string) (*core.Update, error)
	FailMessage(ctx context.Context, id, reason string) (*core.Update, error)
}

// TransientDispatchError is an infrastructure fault during an attempt. The
// message stays Pending and the drain is retried.
type TransientDispatchError struct {
	MessageID string
	Err       error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.MessageID, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

type Options struct {
	Order         core.Order
	RetryStep     time.Duration // linear drain retry increment
	MaxAttempts   int
	ProviderQPS   float64 // sustained provider rate
	ProviderBurst int
	SendTimeout   time.Duration // per-send timeout

	// ClaimTTL reserves a message for one attempt; zero derives it from
	// SendTimeout.
	ClaimTTL time.Duration
}

// Dispatcher drains the pending queue one message at a time.
type Dispatcher struct {
	Ledger   Ledger
	Provider provider.Provider
	Cipher   core.Decrypter
	Events   events.Publisher

	// Lock keeps a single active dispatcher across processes; nil skips it.
	Lock lock.Locker
	Opt  Options
	Log  *slog.Logger
	Now  func() time.Time

	once    sync.Once
	limiter *rate.Limiter
}

func (d *Dispatcher) init() {
	d.once.Do(func() {
		if d.Opt.ProviderQPS > 0 {
			burst := d.Opt.ProviderBurst
			if burst <= 0 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(d.Opt.ProviderQPS), burst)
		} else {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
		}
		if d.Log == nil {
			d.Log = slog.Default()
		}
		if d.Now == nil {
			d.Now = time.Now
		}
		if d.Opt.Order == "" {
			d.Opt.Order = core.OrderFIFO
		}
	})
}

// Tick is the scheduled entry point: it drains the queue and retries the
// whole drain with linear backoff after an infrastructure fault.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.init()
	if d.Lock != nil {
		ok, err := d.Lock.TryAcquire(ctx)
		if err != nil {
			d.Log.Error("dispatch lease", "error", err)
			return
		}
		if !ok {
			d.Log.Debug("dispatch lease held elsewhere")
			return
		}
	}

	attempts := d.Opt.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		n, err := d.Drain(ctx)
		if errors.Is(err, ErrLeaseLost) {
			d.Log.Warn("dispatch lease lost, stopping drain", "messages", n)
			return
		}
		if err == nil {
			if n > 0 {
				d.Log.Info("dispatch drain completed", "messages", n)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= attempts {
			d.Log.Error("dispatch drain failed, giving up until next tick", "attempts", attempt, "error", err)
			return
		}

		wait := time.Duration(attempt) * d.Opt.RetryStep
		metrics.DispatchRetryTotal.Inc()
		d.Log.Warn("dispatch drain failed, retrying", "attempt", attempt, "backoff", wait.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Drain processes pending messages until none is left, ctx is cancelled or
// an infrastructure fault occurs. It returns the number of messages taken.
// The lease is renewed before every message and each message is claimed,
// so a second dispatcher never sends the same message concurrently.
// Cancellation is checked between messages only.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.init()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, nil
		}
		if d.Lock != nil {
			ok, err := d.Lock.TryAcquire(ctx)
			if err != nil {
				return n, fmt.Errorf("renew dispatch lease: %w", err)
			}
			if !ok {
				return n, ErrLeaseLost
			}
		}
		msg, err := d.Ledger.ClaimNextPending(ctx, d.Opt.Order, d.claimTTL())
		if err != nil {
			return n, fmt.Errorf("claim next pending: %w", err)
		}
		if msg == nil {
			return n, nil
		}
		if err := d.dispatch(ctx, msg); err != nil {
			if rErr := d.Ledger.ReleaseClaim(context.WithoutCancel(ctx), msg.ID); rErr != nil {
				d.Log.Warn("release message claim", "message_id", msg.ID, "error", rErr)
			}
			return n, err
		}
		n++
	}
}

func (d *Dispatcher) claimTTL() time.Duration {
	if d.Opt.ClaimTTL > 0 {
		return d.Opt.ClaimTTL
	}
	return 2*d.Opt.SendTimeout + time.Minute
}

// dispatch waits for the rate limiter on ctx; once the attempt starts it
// runs to completion on a context that ignores cancellation.
func (d *Dispatcher) dispatch(ctx context.Context, msg *core.Message) error {
	log := d.Log.With("message_id", msg.ID)
	actx := context.WithoutCancel(ctx)

	if msg.ValidUntil != nil && !d.Now().Before(*msg.ValidUntil) {
		metrics.DispatchTotal.WithLabelValues("expired").Inc()
		log.Info("message expired before dispatch")
		return d.fail(actx, msg.ID, reasonExpired)
	}

	plain := *msg
	if msg.IsEncrypted {
		var err error
		if plain, err = core.DecryptMessage(d.Cipher, *msg); err != nil {
			metrics.DispatchTotal.WithLabelValues("undecryptable").Inc()
			log.Warn("message cannot be decrypted", "error", err)
			return d.fail(actx, msg.ID, err.Error())
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return &TransientDispatchError{MessageID: msg.ID, Err: err}
	}

	req := provider.SendRequest{
		MessageID:          msg.ID,
		Recipients:         make([]provider.Recipient, len(msg.Recipients)),
		Content:            plain.Content,
		SimNumber:          msg.SimNumber,
		WithDeliveryReport: msg.WithDeliveryReport,
	}
	for i, r := range msg.Recipients {
		req.Recipients[i] = provider.Recipient{Key: r.PhoneNumber, PhoneNumber: plain.PhoneNumbers[i]}
	}

	sctx := actx
	if d.Opt.SendTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(actx, d.Opt.SendTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := d.Provider.Send(sctx, req)
	metrics.ProviderSendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("send_error").Inc()
		return &TransientDispatchError{MessageID: msg.ID, Err: err}
	}

	outcome := core.AttemptResult{PartsCount: res.PartsCount}
	for _, r := range res.Recipients {
		rr := core.RecipientResult{PhoneNumber: r.Key, State: core.StateProcessed}
		switch {
		case r.Err != nil:
			rr.State = core.StateFailed
			rr.Error = r.Err.Error()
		case r.Sent:
			rr.State = core.StateSent
		}
		outcome.Recipients = append(outcome.Recipients, rr)
	}

	upd, err := d.Ledger.RecordAttemptOutcome(actx, msg.ID, outcome)
	if err != nil {
		return &TransientDispatchError{MessageID: msg.ID, Err: err}
	}
	metrics.DispatchTotal.WithLabelValues("attempted").Inc()
	d.publish(upd)
	log.Debug("message dispatched", "state", upd.State, "recipients", len(outcome.Recipients))
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, id, reason string) error {
	upd, err := d.Ledger.FailMessage(ctx, id, reason)
	if err != nil {
		return &TransientDispatchError{MessageID: id, Err: err}
	}
	d.publish(upd)
	return nil
}

func (d *Dispatcher) publish(upd *core.Update) {
	for _, ev := range events.FromUpdate(upd) {
		if e, ok := ev.(events.MessageStateChanged); ok {
			metrics.RecipientOutcome.WithLabelValues(string(e.State)).Inc()
		}
		if d.Events != nil {
			d.Events.Publish(ev)
		}
	}
}

// Callbacks applies asynchronous radio notifications to the ledger.
type Callbacks struct {
	Ledger Ledger
	Events events.Publisher
	Log    *slog.Logger
}

func (c *Callbacks) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func (c *Callbacks) OnSent(ctx context.Context, messageID, key string, err error) {
	c.apply(ctx, messageID, key, core.StateSent, err)
}

func (c *Callbacks) OnDelivered(ctx context.Context, messageID, key string, err error) {
	c.apply(ctx, messageID, key, core.StateDelivered, err)
}

func (c *Callbacks) OnReceived(_ context.Context, in provider.Inbound) {
	if c.Events == nil {
		return
	}
	c.Events.Publish(events.MessageReceived{
		MessageID:   in.ID,
		PhoneNumber: in.PhoneNumber,
		Text:        in.Text,
		SimNumber:   in.SimNumber,
		ReceivedAt:  in.ReceivedAt,
	})
}

func (c *Callbacks) apply(ctx context.Context, messageID, key string, state core.State, cbErr error) {
	errText := ""
	if cbErr != nil {
		state = core.StateFailed
		errText = cbErr.Error()
	}
	upd, err := c.Ledger.ApplyDeliveryCallback(ctx, messageID, key, state, errText)
	if err != nil {
		lvl := slog.LevelError
		if errors.Is(err, core.ErrNotFound) {
			lvl = slog.LevelWarn
		}
		c.logger().Log(ctx, lvl, "apply delivery callback", "message_id", messageID, "state", state, "error", err)
		return
	}
	for _, ev := range events.FromUpdate(upd) {
		if e, ok := ev.(events.MessageStateChanged); ok {
			metrics.RecipientOutcome.WithLabelValues(string(e.State)).Inc()
		}
		if c.Events != nil {
			c.Events.Publish(ev)
		}
	}
}
