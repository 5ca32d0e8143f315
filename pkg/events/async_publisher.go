package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const asyncPublisherLogPrefix = "events:async_publisher"

var (
	// ErrPublisherFull is returned when the event buffer is full and the event was dropped.
	ErrPublisherFull = errors.New("traffic event buffer full")
	// ErrPublisherClosed is returned after Close.
	ErrPublisherClosed = errors.New("traffic publisher closed")
)

// AsyncPublisherOpts configures AsyncPublisher. Zero values use defaults.
type AsyncPublisherOpts struct {
	// Buffer is the number of events held while the writer is busy (default 1024).
	Buffer int
	// Timeout bounds each delivery to the wrapped publisher (default 5s).
	Timeout time.Duration
}

// AsyncPublisher hands events to a single writer goroutine that delivers them,
// in order, to the wrapped publisher. PublishTraffic never waits: when the
// buffer is full the event is dropped and counted.
type AsyncPublisher struct {
	next    TrafficPublisher
	timeout time.Duration
	events  chan *TrafficEvent
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncPublisher starts the writer goroutine for next. Call Close to stop it.
func NewAsyncPublisher(next TrafficPublisher, opts AsyncPublisherOpts) *AsyncPublisher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: opts.Timeout,
		events:  make(chan *TrafficEvent, opts.Buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishTraffic queues event for delivery.
func (p *AsyncPublisher) PublishTraffic(_ context.Context, event *TrafficEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.events <- event:
		return nil
	default:
		p.dropped.Add(1)
		return ErrPublisherFull
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (p *AsyncPublisher) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting events and waits until the queued ones are delivered
// or ctx is done.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - %d events not delivered: %w", asyncPublisherLogPrefix, len(p.events), ctx.Err())
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for event := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.next.PublishTraffic(ctx, event)
		cancel()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to deliver %s event for %s: %v", asyncPublisherLogPrefix, event.Kind, event.Bridge, err))
		}
	}
}
