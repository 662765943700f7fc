package crossbus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"github.com/regmesh/regmesh/errs"
)

const (
	provisionTimeout     = 30 * time.Second
	maxProvisionInterval = 5 * time.Second
)

// NATSConfig configures the JetStream-backed cross-module bus.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	DurablePrefix string
	ReconnectWait time.Duration
	Logger        *log.Logger
}

func (c NATSConfig) normalize() NATSConfig {
	c.URL = strings.TrimSpace(c.URL)
	if c.StreamName == "" {
		c.StreamName = "FABRIC_EVENTS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "fabric"
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "fabric"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NATSBus carries envelopes over a durable JetStream stream. Deliveries are
// acknowledged explicitly: handler success acks, a retryable error naks for
// broker redelivery, and a non-retryable error terminates the message.
type NATSBus struct {
	cfg  NATSConfig
	conn *nats.Conn
	js   nats.JetStreamContext

	mu        sync.Mutex
	subs      map[SubscriptionID]*nats.Subscription
	nextID    uint64
	closeOnce sync.Once
}

// NewNATSBus connects to the broker and provisions the fabric stream.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	cfg = cfg.normalize()
	if cfg.URL == "" {
		return nil, errs.New("crossbus/nats", errs.KindInvalid, errs.WithMessage("broker url required"))
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialise jetstream: %w", err)
	}

	bus := &NATSBus{
		cfg:  cfg,
		conn: conn,
		js:   js,
		subs: make(map[SubscriptionID]*nats.Subscription),
	}
	// The connection may still be dialling under RetryOnFailedConnect, so
	// provisioning gets its own bounded retry window.
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxProvisionInterval
	deadline := time.Now().Add(provisionTimeout)
	for {
		err := bus.provisionStream()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			conn.Close()
			return nil, err
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxProvisionInterval
		}
		if cfg.Logger != nil {
			cfg.Logger.Printf("crossbus: provision stream %s: %v (retrying in %v)", cfg.StreamName, err, sleep)
		}
		time.Sleep(sleep)
	}
	if cfg.Logger != nil {
		cfg.Logger.Printf("crossbus: jetstream connected url=%s stream=%s", cfg.URL, cfg.StreamName)
	}
	return bus, nil
}

// provisionStream idempotently creates the durable stream capturing every
// fabric subject.
func (b *NATSBus) provisionStream() error {
	if _, err := b.js.StreamInfo(b.cfg.StreamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %s: %w", b.cfg.StreamName, err)
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  []string{b.cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err)
	}
	return nil
}

func (b *NATSBus) subject(topic string) string {
	return b.cfg.SubjectPrefix + "." + topic
}

// Publish writes the envelope to the fabric stream and waits for the broker
// ack.
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if topic == "" {
		return errs.New("crossbus/publish", errs.KindInvalid, errs.WithMessage("topic required"))
	}
	if len(data) == 0 {
		return errs.New("crossbus/publish", errs.KindInvalid, errs.WithMessage("envelope required"))
	}
	if _, err := b.js.Publish(b.subject(topic), data, nats.Context(ctx)); err != nil {
		return errs.New("crossbus/publish", errs.KindTransient,
			errs.WithMessage(fmt.Sprintf("publish %s", topic)), errs.WithCause(err))
	}
	return nil
}

// Subscribe binds a durable queue consumer to the topic so restarts resume
// where the consumer left off and replicas share the workload.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler Handler) (SubscriptionID, error) {
	if topic == "" {
		return "", errs.New("crossbus/subscribe", errs.KindInvalid, errs.WithMessage("topic required"))
	}
	if handler == nil {
		return "", errs.New("crossbus/subscribe", errs.KindInvalid, errs.WithMessage("handler required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	durable := b.cfg.DurablePrefix + "-" + strings.ReplaceAll(topic, ".", "-")
	sub, err := b.js.QueueSubscribe(b.subject(topic), durable, func(msg *nats.Msg) {
		b.dispatch(ctx, topic, handler, msg)
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return "", errs.New("crossbus/subscribe", errs.KindTransient,
			errs.WithMessage(fmt.Sprintf("subscribe %s", topic)), errs.WithCause(err))
	}

	id := SubscriptionID(fmt.Sprintf("nats-sub-%d", atomic.AddUint64(&b.nextID, 1)))
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return id, nil
}

func (b *NATSBus) dispatch(ctx context.Context, topic string, handler Handler, msg *nats.Msg) {
	err := handler(ctx, topic, msg.Data)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil && b.cfg.Logger != nil {
			b.cfg.Logger.Printf("crossbus: ack failed topic=%s: %v", topic, ackErr)
		}
	case errs.Retryable(err):
		if nakErr := msg.Nak(); nakErr != nil && b.cfg.Logger != nil {
			b.cfg.Logger.Printf("crossbus: nak failed topic=%s: %v", topic, nakErr)
		}
	default:
		// Poison message: redelivery would fail the same way.
		if b.cfg.Logger != nil {
			b.cfg.Logger.Printf("crossbus: terminating delivery topic=%s: %v", topic, err)
		}
		if termErr := msg.Term(); termErr != nil && b.cfg.Logger != nil {
			b.cfg.Logger.Printf("crossbus: term failed topic=%s: %v", topic, termErr)
		}
	}
}

// Unsubscribe detaches the consumer without deleting its durable state.
func (b *NATSBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.Drain(); err != nil && b.cfg.Logger != nil {
		b.cfg.Logger.Printf("crossbus: drain subscription: %v", err)
	}
}

// Close drains the connection so in-flight publishes and deliveries flush
// before the sockets drop.
func (b *NATSBus) Close() {
	b.closeOnce.Do(func() {
		if b.conn == nil {
			return
		}
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	})
}

var _ Bus = (*NATSBus)(nil)
