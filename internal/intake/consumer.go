package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrClosed is returned by a Source once it will deliver nothing more.
var ErrClosed = errors.New("intake source closed")

// Delivery is one message taken from a Source. Exactly one of Ack or Nack
// must be called.
type Delivery interface {
	Kind() string
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Source yields deliveries one at a time.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}

// Consumer drains a Source through a Handler with a prefetch of one: the
// next delivery is not taken until the current one is settled.
type Consumer struct {
	src     Source
	handler *Handler
	backoff time.Duration
}

// DefaultRequeueBackoff is the pause after requeueing a delivery.
const DefaultRequeueBackoff = time.Second

// NewConsumer creates a Consumer. backoff <= 0 uses DefaultRequeueBackoff.
func NewConsumer(src Source, h *Handler, backoff time.Duration) *Consumer {
	if backoff <= 0 {
		backoff = DefaultRequeueBackoff
	}
	return &Consumer{src: src, handler: h, backoff: backoff}
}

// Run consumes until ctx is done or the source closes.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		d, err := c.src.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return eris.Wrap(err, "intake: next delivery")
		}

		_, disp, _ := c.handler.Handle(ctx, d.Kind(), d.Body())
		var settleErr error
		switch disp {
		case Ack:
			settleErr = d.Ack()
		case Drop:
			settleErr = d.Nack(false)
		default:
			settleErr = d.Nack(true)
		}
		if settleErr != nil {
			zap.L().Error("intake: settle delivery",
				zap.String("kind", d.Kind()),
				zap.String("disposition", disp.String()),
				zap.Error(settleErr),
			)
		}
		if disp == Requeue {
			timer := time.NewTimer(c.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// Queue is an in-process Source. Requeued deliveries go to the back.
type Queue struct {
	ch        chan *queued
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a Queue holding up to size pending messages.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan *queued, size), done: make(chan struct{})}
}

// Publish enqueues a message. It blocks while the queue is full.
func (q *Queue) Publish(ctx context.Context, kind string, body []byte) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- &queued{q: q, kind: kind, body: body}:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements Source. Pending messages are delivered after Close.
func (q *Queue) Next(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	default:
	}
	select {
	case d := <-q.ch:
		return d, nil
	case <-q.done:
		select {
		case d := <-q.ch:
			return d, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting new messages.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

type queued struct {
	q       *Queue
	kind    string
	body    []byte
	settled bool
}

func (d *queued) Kind() string { return d.kind }
func (d *queued) Body() []byte { return d.body }

func (d *queued) Ack() error {
	return d.settle()
}

func (d *queued) Nack(requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	select {
	case d.q.ch <- &queued{q: d.q, kind: d.kind, body: d.body}:
		return nil
	default:
		return eris.New("intake: queue full, requeue dropped")
	}
}

func (d *queued) settle() error {
	if d.settled {
		return eris.New("intake: delivery already settled")
	}
	d.settled = true
	return nil
}
