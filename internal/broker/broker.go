// Package broker provides the in-process binding of the channel transport:
// buffered queues with explicit acknowledge, bounded redelivery on negative
// acknowledge, and a dead-letter path for messages that exhaust it. The
// services depend only on the domain.Transport contract, so a remote broker
// binding can replace this package without touching them.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/taskmesh/taskmesh/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultQueueBuffer     = 256
	defaultRedeliveryLimit = 3
)

var (
	ErrClosed    = errors.New("broker closed")
	ErrQueueFull = errors.New("queue full")
)

type Option func(*Broker)

// WithQueueBuffer sets the per-queue channel capacity.
func WithQueueBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithRedeliveryLimit sets how many times a nacked message is requeued
// before it is dead-lettered.
func WithRedeliveryLimit(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.redeliveryLimit = n
		}
	}
}

// Broker routes envelopes between publishers and competing consumers.
// Queues are created lazily on first publish or subscribe, so messages
// published before any consumer attaches are buffered, not dropped.
type Broker struct {
	mu              sync.Mutex
	queues          map[string]chan domain.Delivery
	dead            []domain.Envelope
	buffer          int
	redeliveryLimit int
	closed          bool
	logger          *zap.Logger
}

func New(logger *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		queues:          make(map[string]chan domain.Delivery),
		buffer:          defaultQueueBuffer,
		redeliveryLimit: defaultRedeliveryLimit,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) queue(name string) (chan domain.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan domain.Delivery, b.buffer)
		b.queues[name] = q
	}
	return q, nil
}

func (b *Broker) Publish(ctx context.Context, queue string, env domain.Envelope) error {
	return b.publish(ctx, queue, env, b.redeliveryLimit)
}

// publish never blocks: a full queue is reported as ErrQueueFull and left to
// the caller's retry policy.
func (b *Broker) publish(ctx context.Context, queue string, env domain.Envelope, remaining int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	d := &delivery{broker: b, queue: queue, env: env, remaining: remaining}
	select {
	case q <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe returns the queue's delivery channel. Multiple subscribers on
// the same queue are competing consumers; each delivery reaches exactly one.
func (b *Broker) Subscribe(queue string) (<-chan domain.Delivery, error) {
	return b.queue(queue)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	return nil
}

// DeadLetters returns a snapshot of envelopes that exhausted their
// redelivery budget, for diagnosis.
func (b *Broker) DeadLetters() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Envelope(nil), b.dead...)
}

func (b *Broker) deadLetter(env domain.Envelope, queue string) {
	b.mu.Lock()
	b.dead = append(b.dead, env)
	b.mu.Unlock()
	b.logger.Warn("message dead-lettered",
		zap.String("queue", queue),
		zap.String("message_id", env.ID.String()),
		zap.String("task_id", env.TaskID.String()),
	)
}

type delivery struct {
	broker    *Broker
	queue     string
	env       domain.Envelope
	remaining int
	once      sync.Once
}

func (d *delivery) Envelope() domain.Envelope { return d.env }

func (d *delivery) Ack() {
	d.once.Do(func() {})
}

func (d *delivery) Nack() {
	d.once.Do(func() {
		if d.remaining <= 0 {
			d.broker.deadLetter(d.env, d.queue)
			return
		}
		err := d.broker.publish(context.Background(), d.queue, d.env, d.remaining-1)
		if err != nil {
			d.broker.deadLetter(d.env, d.queue)
		}
	})
}
