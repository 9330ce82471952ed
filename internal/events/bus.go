// Package events is a thin wrapper over an in-process pub/sub bus. It decouples
// the engine loops from anything that wants to observe signal and position
// lifecycle without holding references into the loops themselves.
package events

import (
	"github.com/asaskevich/EventBus"

	"sentinel/internal/model"
)

// Topics published by the engine.
const (
	SignalTriggered = "signal.triggered"
	PositionOpened  = "position.opened"
	PositionClosed  = "position.closed"
	FeedFailed      = "feed.failed"
)

// Bus publishes engine lifecycle events to in-process subscribers.
type Bus struct {
	bus EventBus.Bus
}

// New creates an event bus.
func New() *Bus {
	return &Bus{bus: EventBus.New()}
}

// PublishSignal announces a freshly triggered signal.
func (b *Bus) PublishSignal(s *model.Signal) {
	b.bus.Publish(SignalTriggered, s)
}

// PublishPositionOpened announces a newly opened position.
func (b *Bus) PublishPositionOpened(p *model.Position) {
	b.bus.Publish(PositionOpened, p)
}

// PublishPositionClosed announces a closed position with its realized outcome.
func (b *Bus) PublishPositionClosed(p *model.Position) {
	b.bus.Publish(PositionClosed, p)
}

// PublishFeedFailed announces that the market data feed gave up reconnecting.
func (b *Bus) PublishFeedFailed(reason string) {
	b.bus.Publish(FeedFailed, reason)
}

// SubscribeSignal registers a handler for triggered signals.
func (b *Bus) SubscribeSignal(fn func(*model.Signal)) error {
	return b.bus.Subscribe(SignalTriggered, fn)
}

// SubscribePositionOpened registers a handler for opened positions.
func (b *Bus) SubscribePositionOpened(fn func(*model.Position)) error {
	return b.bus.Subscribe(PositionOpened, fn)
}

// SubscribePositionClosed registers a handler for closed positions.
func (b *Bus) SubscribePositionClosed(fn func(*model.Position)) error {
	return b.bus.Subscribe(PositionClosed, fn)
}

// SubscribeFeedFailed registers a handler for terminal feed failure.
func (b *Bus) SubscribeFeedFailed(fn func(string)) error {
	return b.bus.Subscribe(FeedFailed, fn)
}
