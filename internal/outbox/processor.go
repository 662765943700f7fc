package outbox

import (
	"context"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/outboxstore"
	"github.com/regmesh/regmesh/internal/infra/bus/crossbus"
	"github.com/regmesh/regmesh/internal/infra/telemetry"
)

// TopicResolver maps an event type to the bus topic carrying it.
type TopicResolver func(eventType string) string

// ProcessorConfig tunes the outbox publishing loop.
type ProcessorConfig struct {
	Module         string
	PollInterval   time.Duration
	BatchSize      int
	Lease          time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	Concurrency    int
	// PublishRate caps bus publishes per second across all workers. Zero
	// disables the limiter.
	PublishRate float64
	// Retention truncates PROCESSED rows older than the window. Zero keeps
	// rows forever.
	Retention      time.Duration
	RetentionSweep time.Duration
	TopicResolver  TopicResolver
	Logger         *log.Logger
}

func (c ProcessorConfig) normalize() ProcessorConfig {
	c.Module = strings.TrimSpace(c.Module)
	if c.Module == "" {
		c.Module = "fabric"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RetentionSweep <= 0 {
		c.RetentionSweep = time.Hour
	}
	if c.TopicResolver == nil {
		c.TopicResolver = func(eventType string) string { return eventType }
	}
	return c
}

// Processor drains the outbox: it claims due rows under a lease, publishes
// their envelopes to the cross-module bus with bounded concurrency, and marks
// the outcome. Messages sharing an aggregate key publish in claimed order on
// one worker.
type Processor struct {
	cfg     ProcessorConfig
	store   outboxstore.Store
	bus     crossbus.Bus
	limiter *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	published metric.Int64Counter
}

// NewProcessor constructs a processor over the store and bus.
func NewProcessor(store outboxstore.Store, bus crossbus.Bus, cfg ProcessorConfig) (*Processor, error) {
	if store == nil {
		return nil, errs.New("outbox/processor", errs.KindInvalid, errs.WithMessage("store required"))
	}
	if bus == nil {
		return nil, errs.New("outbox/processor", errs.KindInvalid, errs.WithMessage("bus required"))
	}
	cfg = cfg.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.PublishRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}

	meter := otel.Meter("outbox.processor")
	p.published, _ = meter.Int64Counter("fabric_outbox_published_total",
		metric.WithDescription("Outbox messages published, by result"),
		metric.WithUnit("{message}"))
	observeBacklog(meter, store, cfg.Module)
	return p, nil
}

// observeBacklog registers gauges reporting outbox queue depths.
func observeBacklog(meter metric.Meter, store outboxstore.Store, module string) {
	gauge, err := meter.Int64ObservableGauge("fabric_outbox_backlog",
		metric.WithDescription("Outbox rows by status"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stats, err := store.Stats(statsCtx)
		if err != nil {
			return nil
		}
		env := telemetry.Environment()
		observer.ObserveInt64(gauge, stats.Pending, metric.WithAttributes(
			telemetry.AttrEnvironment.String(env),
			telemetry.AttrModule.String(module),
			telemetry.AttrStatus.String(string(outboxstore.StatusPending)),
		))
		observer.ObserveInt64(gauge, stats.Processing, metric.WithAttributes(
			telemetry.AttrEnvironment.String(env),
			telemetry.AttrModule.String(module),
			telemetry.AttrStatus.String(string(outboxstore.StatusProcessing)),
		))
		observer.ObserveInt64(gauge, stats.Failed, metric.WithAttributes(
			telemetry.AttrEnvironment.String(env),
			telemetry.AttrModule.String(module),
			telemetry.AttrStatus.String(string(outboxstore.StatusFailed)),
		))
		return nil
	}, gauge)
}

// Start launches the polling loop and, when retention is configured, the
// truncation sweep. Safe to call once.
func (p *Processor) Start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return errs.New("outbox/processor", errs.KindInvalid, errs.WithMessage("already started"))
	}
	p.started = true

	p.wg.Go(p.pollLoop)
	if p.cfg.Retention > 0 {
		p.wg.Go(p.retentionLoop)
	}
	return nil
}

// Stop cancels the loops and waits for in-flight publishes to settle.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Processor) pollLoop() {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(p.ctx); err != nil && p.ctx.Err() == nil {
				p.logf("outbox: batch failed: %v", err)
			}
		}
	}
}

func (p *Processor) retentionLoop() {
	ticker := time.NewTicker(p.cfg.RetentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.cfg.Retention)
			deleted, err := p.store.DeleteProcessedBefore(p.ctx, cutoff)
			if err != nil {
				if p.ctx.Err() == nil {
					p.logf("outbox: retention sweep failed: %v", err)
				}
				continue
			}
			if deleted > 0 {
				p.logf("outbox: retention truncated %d processed rows", deleted)
			}
		}
	}
}

// RunOnce claims and publishes one batch, returning how many messages were
// marked processed.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	msgs, err := p.store.Claim(ctx, p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	groups := groupByAggregate(msgs)
	var (
		mu        sync.Mutex
		processed int
	)
	workers := concpool.New().WithMaxGoroutines(p.cfg.Concurrency)
	for _, group := range groups {
		group := group
		workers.Go(func() {
			for _, msg := range group {
				if ctx.Err() != nil {
					return
				}
				if p.publishOne(ctx, msg) {
					mu.Lock()
					processed++
					mu.Unlock()
					continue
				}
				// A failed message blocks the rest of its aggregate group so
				// per-key order survives the retry.
				if len(group) > 1 {
					return
				}
			}
		})
	}
	workers.Wait()
	return processed, ctx.Err()
}

// groupByAggregate splits a claimed batch into publish groups: messages
// sharing a non-empty aggregate key stay together in claimed order, everything
// else parallelizes freely.
func groupByAggregate(msgs []outboxstore.Message) [][]outboxstore.Message {
	var groups [][]outboxstore.Message
	index := make(map[string]int)
	for _, msg := range msgs {
		if msg.AggregateKey == "" {
			groups = append(groups, []outboxstore.Message{msg})
			continue
		}
		if i, ok := index[msg.AggregateKey]; ok {
			groups[i] = append(groups[i], msg)
			continue
		}
		index[msg.AggregateKey] = len(groups)
		groups = append(groups, []outboxstore.Message{msg})
	}
	return groups
}

// publishOne publishes a single claimed message and records the outcome.
// Returns true when the message reached PROCESSED.
func (p *Processor) publishOne(ctx context.Context, msg outboxstore.Message) bool {
	pubCtx := ctx
	if msg.Attempt > 0 {
		pubCtx = correlation.WithOutboxReplay(pubCtx, true)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(pubCtx); err != nil {
			return false
		}
	}

	timeoutCtx, cancel := context.WithTimeout(pubCtx, p.cfg.PublishTimeout)
	err := p.bus.Publish(timeoutCtx, p.cfg.TopicResolver(msg.Type), []byte(msg.Payload))
	cancel()

	if err == nil {
		if markErr := p.store.MarkProcessed(ctx, msg.ID); markErr != nil {
			p.logf("outbox: mark processed %s: %v", msg.ID, markErr)
			return false
		}
		p.count(ctx, msg.Type, telemetry.ResultSuccess)
		return true
	}

	attempt := msg.Attempt + 1
	terminal := !errs.Retryable(err) || attempt >= p.cfg.MaxAttempts
	next := time.Now().UTC().Add(p.backoffDelay(attempt))
	if markErr := p.store.MarkFailed(ctx, msg.ID, err.Error(), next, terminal); markErr != nil {
		p.logf("outbox: mark failed %s: %v", msg.ID, markErr)
		return false
	}
	if terminal {
		p.logf("outbox: message %s terminal after %d attempts: %v", msg.ID, attempt, err)
		p.count(ctx, msg.Type, telemetry.ResultTerminal)
	} else {
		p.count(ctx, msg.Type, telemetry.ResultRetry)
	}
	return false
}

// backoffDelay computes min(base*2^attempt, max) plus up to 25% jitter.
func (p *Processor) backoffDelay(attempt int) time.Duration {
	delay := p.cfg.BaseBackoff
	for i := 0; i < attempt && delay < p.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > p.cfg.MaxBackoff || delay <= 0 {
		delay = p.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}

func (p *Processor) count(ctx context.Context, eventType, result string) {
	if p.published == nil {
		return
	}
	p.published.Add(ctx, 1, metric.WithAttributes(
		telemetry.ResultAttributes(telemetry.Environment(), p.cfg.Module, eventType, result)...))
}

func (p *Processor) logf(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Printf(format, args...)
	}
}
