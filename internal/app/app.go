package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Cypherspark/smsgate/internal/config"
	"github.com/Cypherspark/smsgate/internal/core"
	"github.com/Cypherspark/smsgate/internal/db"
	"github.com/Cypherspark/smsgate/internal/envelope"
	"github.com/Cypherspark/smsgate/internal/events"
	httpapi "github.com/Cypherspark/smsgate/internal/http"
	"github.com/Cypherspark/smsgate/internal/lock"
	"github.com/Cypherspark/smsgate/internal/metrics"
	"github.com/Cypherspark/smsgate/internal/provider"
	"github.com/Cypherspark/smsgate/internal/scheduler"
	"github.com/Cypherspark/smsgate/internal/webhook"
	"github.com/Cypherspark/smsgate/internal/worker"
)

const (
	leaseTTL            = 30 * time.Second
	maintenanceInterval = time.Minute
	retentionInterval   = time.Hour
)

// App wires the gateway: ledger, dispatch worker, event fan-out and the
// webhook pipeline.
type App struct {
	Cfg   *config.Config
	Log   *slog.Logger
	DB    *db.DB
	Redis redis.UniversalClient

	Store         *core.Store
	Queue         *webhook.Queue
	Subscriptions *webhook.Subscriptions
	Bus           *events.Bus
	Provider      provider.Provider
	Callbacks     *worker.Callbacks
	Dispatch      *worker.Dispatcher
	Webhooks      *webhook.Dispatcher

	webhookLock  lock.Locker
	dispatchTick *scheduler.Scheduler
	schedulers   []*scheduler.Scheduler
}

type job struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

type callbackSetter interface {
	SetCallbacks(cb provider.Callbacks)
}

// waiter is a provider with callbacks still in flight after Send returns.
type waiter interface {
	Wait()
}

// New connects to the database (and Redis when configured) and builds every
// component. prov receives radio callbacks if it accepts them.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, prov provider.Provider) (*App, error) {
	database, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			database.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	return Wire(cfg, log, database, rdb, prov), nil
}

// Wire builds the components over already open connections. rdb may be nil,
// in which case leases are process-local.
func Wire(cfg *config.Config, log *slog.Logger, database *db.DB, rdb redis.UniversalClient, prov provider.Provider) *App {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Cfg: cfg, Log: log, DB: database, Redis: rdb, Provider: prov}

	var cipher core.Decrypter
	if cfg.Envelope.Passphrase != "" {
		cipher = envelope.New(cfg.Envelope.Passphrase, envelope.DefaultIterations)
	}

	a.Store = &core.Store{DB: a.DB, Cipher: cipher, PhoneRegion: cfg.PhoneRegion}
	a.Queue = &webhook.Queue{DB: a.DB, MaxDelay: cfg.Webhook.MaxDelay}
	a.Subscriptions = &webhook.Subscriptions{DB: a.DB}

	a.Bus = events.NewBus(a.Log.With("component", "events"))
	a.Callbacks = &worker.Callbacks{Ledger: a.Store, Events: a.Bus, Log: a.Log.With("component", "callbacks")}
	if cs, ok := a.Provider.(callbackSetter); ok {
		cs.SetCallbacks(a.Callbacks)
	}

	a.Dispatch = &worker.Dispatcher{
		Ledger:   a.Store,
		Provider: a.Provider,
		Cipher:   cipher,
		Events:   a.Bus,
		Lock:     a.locker("smsgate:lock:dispatch"),
		Log:      a.Log.With("component", "dispatch"),
		Opt: worker.Options{
			Order:         cfg.Dispatch.Order,
			RetryStep:     cfg.Dispatch.RetryStep,
			MaxAttempts:   cfg.Dispatch.MaxAttempts,
			ProviderQPS:   cfg.Dispatch.ProviderQPS,
			ProviderBurst: cfg.Dispatch.ProviderBurst,
			SendTimeout:   cfg.Dispatch.SendTimeout,
		},
	}

	a.Webhooks = &webhook.Dispatcher{
		Queue:  a.Queue,
		Client: &http.Client{},
		Log:    a.Log.With("component", "webhooks"),
		Opt: webhook.DispatcherOptions{
			BatchSize:    cfg.Webhook.BatchSize,
			Concurrency:  cfg.Webhook.Concurrency,
			MaxRetries:   cfg.Webhook.MaxRetries,
			BaseDelay:    cfg.Webhook.BaseDelay,
			Timeout:      cfg.Webhook.Timeout,
			StuckTimeout: cfg.Webhook.StuckTimeout,
			Retention:    cfg.Webhook.Retention,
			SigningKey:   []byte(cfg.Webhook.SigningKey),
		},
	}
	return a
}

func (a *App) locker(key string) lock.Locker {
	if a.Redis != nil {
		return lock.NewRedis(a.Redis, key, leaseTTL)
	}
	return lock.NewLocal(key)
}

func (a *App) server() *httpapi.Server {
	return &httpapi.Server{
		Messages: a.Store,
		Webhooks: a.Subscriptions,
		DB:       a.DB,
		Enqueued: a.TriggerDispatch,
		Log:      a.Log.With("component", "http"),
	}
}

// Handler is the local HTTP API.
func (a *App) Handler() http.Handler { return a.server().Router() }

// OpsHandler exposes health and metrics only.
func (a *App) OpsHandler() http.Handler { return a.server().OpsRouter() }

// TriggerDispatch wakes the dispatch worker ahead of its next tick.
func (a *App) TriggerDispatch() {
	if a.dispatchTick != nil {
		a.dispatchTick.Trigger()
	}
}

// HandleInbound publishes a received message to sms:received subscribers.
func (a *App) HandleInbound(ctx context.Context, in provider.Inbound) {
	a.Callbacks.OnReceived(ctx, in)
}

// Start subscribes the webhook fan-out and starts every periodic job.
func (a *App) Start(ctx context.Context) error {
	// the fan-out keeps enqueueing while Stop drains the bus
	a.Bus.Subscribe(context.WithoutCancel(ctx), "webhooks", &webhook.FanOut{
		Subs:     a.Subscriptions,
		Queue:    a.Queue,
		DeviceID: a.Cfg.DeviceID,
		Log:      a.Log.With("component", "fanout"),
	})

	a.webhookLock = a.locker("smsgate:lock:webhooks")
	jobs := []job{
		{"dispatch", a.Cfg.Dispatch.PollInterval, a.Dispatch.Tick},
		{"webhooks", a.Cfg.Webhook.PollInterval, a.leased(a.webhookLock, a.deliverWebhooks)},
		{"webhook-maintenance", maintenanceInterval, a.leased(a.webhookLock, a.maintainWebhooks)},
	}
	if a.Cfg.Ping.Interval > 0 {
		jobs = append(jobs, job{"ping", a.Cfg.Ping.Interval, a.ping})
	}
	if a.Cfg.Retention.Messages > 0 {
		jobs = append(jobs, job{"retention", retentionInterval, a.purgeMessages})
	}

	for _, j := range jobs {
		s, err := scheduler.New(j.name, j.interval, j.fn, a.Log)
		if err != nil {
			return fmt.Errorf("scheduler %s: %w", j.name, err)
		}
		if j.name == "dispatch" {
			a.dispatchTick = s
		}
		a.schedulers = append(a.schedulers, s)
		s.Start(ctx)
	}
	return nil
}

// Stop halts the jobs, waits for outstanding radio callbacks, drains pending
// events and releases connections.
func (a *App) Stop() {
	for _, s := range a.schedulers {
		s.Stop()
	}
	if w, ok := a.Provider.(waiter); ok {
		w.Wait()
	}
	a.Bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, l := range []lock.Locker{a.Dispatch.Lock, a.webhookLock} {
		if l == nil {
			continue
		}
		if err := l.Release(ctx); err != nil {
			a.Log.Warn("release lease", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.DB.Close()
}

// Run starts the background jobs when jobs is set and, when h is non-nil, an
// HTTP server for h on addr. It blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context, addr string, h http.Handler, jobs bool) error {
	defer a.Stop()
	if jobs {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}

	stats := metrics.NewPGXPoolStats(a.DB.Pool, prometheus.DefaultRegisterer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats.Start(15*time.Second, gctx.Done())
		return nil
	})

	if h != nil {
		server := &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.Log.Info("http listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func (a *App) leased(l lock.Locker, fn func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			a.Log.Error("webhook lease", "error", err)
			return
		}
		if ok {
			fn(ctx)
		}
	}
}

func (a *App) deliverWebhooks(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := a.Webhooks.RunOnce(ctx)
		if err != nil {
			a.Log.Error("webhook delivery cycle", "error", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (a *App) maintainWebhooks(ctx context.Context) {
	if err := a.Webhooks.Maintain(ctx); err != nil {
		a.Log.Error("webhook maintenance", "error", err)
	}
}

func (a *App) ping(context.Context) {
	a.Bus.Publish(events.Ping{At: time.Now().UTC()})
}

func (a *App) purgeMessages(ctx context.Context) {
	n, err := a.Store.PurgeOlderThan(ctx, a.Cfg.Retention.Messages)
	if err != nil {
		a.Log.Error("message retention", "error", err)
		return
	}
	if n > 0 {
		a.Log.Info("purged old messages", "count", n)
	}
}
