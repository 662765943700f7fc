package inbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
	"github.com/regmesh/regmesh/internal/domain/inboxstore"
	"github.com/regmesh/regmesh/internal/infra/telemetry"
)

// ProcessorConfig tunes the inbox replay and retention loops.
type ProcessorConfig struct {
	Module        string
	ReplayEnabled bool
	PollInterval  time.Duration
	BatchSize     int
	// QuarantineAttempts parks a replay row as SKIPPED once its attempt count
	// reaches the threshold.
	QuarantineAttempts int
	// Retention truncates PROCESSED rows older than the window. Zero keeps
	// rows forever. The window must exceed the upstream retry horizon; config
	// validation enforces that before the processor sees it.
	Retention      time.Duration
	RetentionSweep time.Duration
	Logger         *log.Logger
}

func (c ProcessorConfig) normalize() ProcessorConfig {
	if c.Module == "" {
		c.Module = "fabric"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.QuarantineAttempts <= 0 {
		c.QuarantineAttempts = 10
	}
	if c.RetentionSweep <= 0 {
		c.RetentionSweep = time.Hour
	}
	return c
}

// Processor re-drives inbox rows flagged for replay and owns inbox retention.
// Replays run under an InboxReplay correlation context so translators skip
// them while module listeners still execute.
type Processor struct {
	cfg        ProcessorConfig
	store      inboxstore.Store
	dispatcher *Dispatcher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	replayed metric.Int64Counter
}

// NewProcessor constructs a replay processor sharing the dispatcher's
// listeners.
func NewProcessor(store inboxstore.Store, dispatcher *Dispatcher, cfg ProcessorConfig) (*Processor, error) {
	if store == nil {
		return nil, errs.New("inbox/processor", errs.KindInvalid, errs.WithMessage("store required"))
	}
	if dispatcher == nil {
		return nil, errs.New("inbox/processor", errs.KindInvalid, errs.WithMessage("dispatcher required"))
	}
	cfg = cfg.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
	}
	meter := otel.Meter("inbox.processor")
	p.replayed, _ = meter.Int64Counter("fabric_inbox_replayed_total",
		metric.WithDescription("Inbox rows re-driven by the replay loop, by result"),
		metric.WithUnit("{row}"))
	return p, nil
}

// Start launches the replay loop (when enabled) and the retention sweep.
func (p *Processor) Start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return errs.New("inbox/processor", errs.KindInvalid, errs.WithMessage("already started"))
	}
	p.started = true

	if p.cfg.ReplayEnabled {
		p.wg.Go(p.replayLoop)
	}
	if p.cfg.Retention > 0 {
		p.wg.Go(p.retentionLoop)
	}
	return nil
}

// Stop cancels the loops and waits for in-flight replays.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Processor) replayLoop() {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(p.ctx); err != nil && p.ctx.Err() == nil {
				p.logf("inbox: replay batch failed: %v", err)
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
					p.logf("inbox: retention sweep failed: %v", err)
				}
				continue
			}
			if deleted > 0 {
				p.logf("inbox: retention truncated %d processed rows", deleted)
			}
		}
	}
}

// RunOnce replays one batch of pending replay rows, returning how many rows
// ran their listeners successfully.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	msgs, err := p.store.PendingForReplay(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	succeeded := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return succeeded, ctx.Err()
		}
		if msg.Attempt >= p.cfg.QuarantineAttempts {
			if err := p.store.MarkSkipped(ctx, msg.EventID); err != nil {
				p.logf("inbox: quarantine %s: %v", msg.EventID, err)
			} else {
				p.logf("inbox: quarantined %s after %d attempts", msg.EventID, msg.Attempt)
				p.count(ctx, msg.Type, telemetry.ResultSkipped)
			}
			continue
		}
		if p.replayOne(ctx, msg) {
			succeeded++
		}
	}
	return succeeded, nil
}

func (p *Processor) replayOne(ctx context.Context, msg inboxstore.Message) bool {
	evt, err := event.DecodeEnvelope([]byte(msg.Payload))
	if err != nil {
		// Stored envelope no longer parses: quarantine, replaying cannot fix it.
		if markErr := p.store.MarkSkipped(ctx, msg.EventID); markErr != nil {
			p.logf("inbox: quarantine malformed %s: %v", msg.EventID, markErr)
		}
		p.count(ctx, msg.Type, telemetry.ResultSkipped)
		return false
	}

	replayCtx := correlation.With(ctx, correlation.Context{
		CorrelationID: evt.CorrelationID,
		InboxReplay:   true,
	})
	if err := p.dispatcher.dispatchTo(replayCtx, evt); err != nil {
		if markErr := p.store.MarkFailed(ctx, msg.EventID, err.Error()); markErr != nil {
			p.logf("inbox: mark failed %s: %v", msg.EventID, markErr)
		}
		p.count(ctx, msg.Type, telemetry.ResultRetry)
		return false
	}
	// Replay success leaves the row status untouched; the row stays replayable.
	p.count(ctx, msg.Type, telemetry.ResultSuccess)
	return true
}

func (p *Processor) count(ctx context.Context, eventType, result string) {
	if p.replayed == nil {
		return
	}
	p.replayed.Add(ctx, 1, metric.WithAttributes(
		telemetry.ResultAttributes(telemetry.Environment(), p.cfg.Module, eventType, result)...))
}

func (p *Processor) logf(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Printf(format, args...)
	}
}
