package events

import (
	"context"
	"errors"
)

// TrafficPublisher is the interface for publishing bridge traffic events.
type TrafficPublisher interface {
	PublishTraffic(ctx context.Context, event *TrafficEvent) error
}

// NoOpPublisher is a TrafficPublisher that does nothing (the default for a bridge without observers).
type NoOpPublisher struct{}

// PublishTraffic is a no-op.
func (p *NoOpPublisher) PublishTraffic(_ context.Context, _ *TrafficEvent) error {
	return nil
}

// CallbackPublisher is a TrafficPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *TrafficEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *TrafficEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishTraffic calls the callback.
func (p *CallbackPublisher) PublishTraffic(ctx context.Context, event *TrafficEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher fans an event out to several publishers. Every publisher is
// tried; the errors are joined.
type MultiPublisher []TrafficPublisher

// PublishTraffic publishes to each publisher in order.
func (m MultiPublisher) PublishTraffic(ctx context.Context, event *TrafficEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishTraffic(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
