// Package fabric assembles one module's slice of the event fabric: the
// Postgres-backed outbox and inbox, the cross-module bus, the publishing and
// replay loops, and the adapter registry.
package fabric

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/adapter"
	"github.com/regmesh/regmesh/internal/bus/domainbus"
	"github.com/regmesh/regmesh/internal/health"
	"github.com/regmesh/regmesh/internal/inbox"
	"github.com/regmesh/regmesh/internal/infra/bus/crossbus"
	"github.com/regmesh/regmesh/internal/infra/config"
	"github.com/regmesh/regmesh/internal/infra/persistence/postgres"
	"github.com/regmesh/regmesh/internal/outbox"
)

const statsTimeout = 5 * time.Second

// Runtime wires the fabric components for a single module. Build it with New,
// register listeners and translators, then Start. Shutdown releases everything
// in reverse order.
type Runtime struct {
	cfg    config.AppConfig
	logger *log.Logger

	pool        *pgxpool.Pool
	outboxStore *postgres.OutboxStore
	inboxStore  *postgres.InboxStore

	bus        crossbus.Bus
	domainBus  *domainbus.Bus
	publisher  *outbox.Publisher
	outboxProc *outbox.Processor
	dispatcher *inbox.Dispatcher
	inboxProc  *inbox.Processor
	registry   *adapter.Registry

	mu       sync.Mutex
	started  bool
	subs     []crossbus.SubscriptionID
	stopOnce sync.Once
}

// New connects the database pool and constructs every fabric component for the
// configured module. Nothing runs until Start.
func New(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               cfg.Database.DSN,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}
	postgres.ObservePoolMetrics(pool, cfg.Module)

	outboxStore := postgres.NewOutboxStore(pool)
	inboxStore := postgres.NewInboxStore(pool)

	bus, err := newBus(cfg.Bus, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	publisher, err := outbox.NewPublisher(cfg.Module)
	if err != nil {
		bus.Close()
		pool.Close()
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	outboxProc, err := outbox.NewProcessor(outboxStore, bus, outbox.ProcessorConfig{
		Module:         cfg.Module,
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		Lease:          cfg.Outbox.Lease,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		BaseBackoff:    cfg.Outbox.BaseBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		PublishTimeout: cfg.Outbox.PublishTimeout,
		Concurrency:    cfg.Outbox.Concurrency,
		PublishRate:    cfg.Outbox.PublishRate,
		Retention:      cfg.Outbox.Retention,
		Logger:         logger,
	})
	if err != nil {
		bus.Close()
		pool.Close()
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	dispatcher, err := inbox.NewDispatcher(inboxStore, inbox.DispatcherConfig{
		Module:         cfg.Module,
		ReplayRequired: cfg.Inbox.ReplayEnabled,
		Logger:         logger,
	})
	if err != nil {
		bus.Close()
		pool.Close()
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	inboxProc, err := inbox.NewProcessor(inboxStore, dispatcher, inbox.ProcessorConfig{
		Module:             cfg.Module,
		ReplayEnabled:      cfg.Inbox.ReplayEnabled,
		PollInterval:       cfg.Inbox.PollInterval,
		BatchSize:          cfg.Inbox.BatchSize,
		QuarantineAttempts: cfg.Inbox.QuarantineAttempts,
		Retention:          cfg.Inbox.Retention,
		Logger:             logger,
	})
	if err != nil {
		bus.Close()
		pool.Close()
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	registry, err := adapter.NewRegistry(cfg.Module)
	if err != nil {
		bus.Close()
		pool.Close()
		return nil, fmt.Errorf("fabric runtime: %w", err)
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		outboxStore: outboxStore,
		inboxStore:  inboxStore,
		bus:         bus,
		domainBus:   domainbus.New(domainbus.ModeTransactional, domainbus.WithLogger(logger)),
		publisher:   publisher,
		outboxProc:  outboxProc,
		dispatcher:  dispatcher,
		inboxProc:   inboxProc,
		registry:    registry,
	}, nil
}

func newBus(cfg config.BusConfig, logger *log.Logger) (crossbus.Bus, error) {
	switch cfg.Kind {
	case "nats":
		return crossbus.NewNATSBus(crossbus.NATSConfig{
			URL:           cfg.NATSURL,
			StreamName:    cfg.StreamName,
			SubjectPrefix: cfg.SubjectPrefix,
			ReconnectWait: cfg.ReconnectWait,
			Logger:        logger,
		})
	default:
		return crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: cfg.BufferSize}), nil
	}
}

// Pool exposes the shared connection pool for module-owned transactions.
func (r *Runtime) Pool() *pgxpool.Pool { return r.pool }

// Publisher stamps and appends integration events; pair it with OutboxStore
// WithTx to publish inside a business transaction.
func (r *Runtime) Publisher() *outbox.Publisher { return r.publisher }

// OutboxStore exposes the module's outbox for transactional appends.
func (r *Runtime) OutboxStore() *postgres.OutboxStore { return r.outboxStore }

// Dispatcher exposes the inbound dispatcher for listener registration.
func (r *Runtime) Dispatcher() *inbox.Dispatcher { return r.dispatcher }

// Registry exposes the adapter registry for translator registration.
func (r *Runtime) Registry() *adapter.Registry { return r.registry }

// DomainBus exposes the in-process domain event bus.
func (r *Runtime) DomainBus() *domainbus.Bus { return r.domainBus }

// Bus exposes the cross-module transport.
func (r *Runtime) Bus() crossbus.Bus { return r.bus }

// Start binds translators and listeners to the bus and launches the outbox
// and inbox loops. Register everything before calling Start: topics are
// derived from the listener set at bind time.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errs.New("app/fabric", errs.KindInvalid, errs.WithMessage("runtime already started"))
	}

	if err := r.registry.Bind(r.dispatcher); err != nil {
		return fmt.Errorf("fabric runtime: bind adapters: %w", err)
	}

	topics := make([]string, 0)
	for _, typ := range r.dispatcher.Types() {
		topics = append(topics, string(typ))
	}
	subs, err := r.dispatcher.Bind(ctx, r.bus, topics...)
	if err != nil {
		return fmt.Errorf("fabric runtime: bind bus: %w", err)
	}
	r.subs = subs

	if err := r.outboxProc.Start(); err != nil {
		return fmt.Errorf("fabric runtime: start outbox: %w", err)
	}
	if err := r.inboxProc.Start(); err != nil {
		r.outboxProc.Stop()
		return fmt.Errorf("fabric runtime: start inbox: %w", err)
	}

	r.started = true
	r.logf("fabric runtime started: module=%s bus=%s topics=%d",
		r.cfg.Module, r.cfg.Bus.Kind, len(topics))
	return nil
}

// Health evaluates queue freshness from live store statistics.
func (r *Runtime) Health(ctx context.Context) (health.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	outboxStats, err := r.outboxStore.Stats(ctx)
	if err != nil {
		return health.Status{}, fmt.Errorf("fabric runtime: outbox stats: %w", err)
	}
	inboxStats, err := r.inboxStore.Stats(ctx)
	if err != nil {
		return health.Status{}, fmt.Errorf("fabric runtime: inbox stats: %w", err)
	}
	return health.Evaluate(outboxStats, inboxStats, health.Thresholds{
		MaxPendingAge:      r.cfg.Health.MaxPendingAge,
		MaxFailedAge:       r.cfg.Health.MaxFailedAge,
		MaxInboxPendingAge: r.cfg.Health.MaxInboxPendingAge,
	}), nil
}

// Shutdown stops the loops, detaches from the bus, and closes the pool.
// Safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.shutdownStep(ctx, "outbox processor", func() { r.outboxProc.Stop() })
		r.shutdownStep(ctx, "inbox processor", func() { r.inboxProc.Stop() })
		for _, id := range r.subs {
			r.bus.Unsubscribe(id)
		}
		r.shutdownStep(ctx, "bus", r.bus.Close)
		r.pool.Close()
		r.logf("fabric runtime stopped: module=%s", r.cfg.Module)
	})
}

// shutdownStep runs fn on its own goroutine so one hung component cannot
// stall the rest of the teardown past the caller's deadline.
func (r *Runtime) shutdownStep(ctx context.Context, name string, fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logf("fabric runtime: shutdown of %s timed out: %v", name, ctx.Err())
	}
}

func (r *Runtime) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
