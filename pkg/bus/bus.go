package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 100 * time.Millisecond
)

// MessageBus decouples chat channels from the chat loop. Publishing never
// blocks longer than the publish timeout; overflow is counted and dropped.
type MessageBus struct {
	inbound        chan InboundMessage
	outbound       chan OutboundMessage
	handlers       map[string]MessageHandler
	publishTimeout time.Duration
	closed         bool
	dropped        droppedCounters
	mu             sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

type Option func(*MessageBus)

// WithBufferSize sets the capacity of both queues.
func WithBufferSize(n int) Option {
	return func(mb *MessageBus) {
		if n > 0 {
			mb.inbound = make(chan InboundMessage, n)
			mb.outbound = make(chan OutboundMessage, n)
		}
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(mb *MessageBus) {
		if d > 0 {
			mb.publishTimeout = d
		}
	}
}

func NewMessageBus(opts ...Option) *MessageBus {
	mb := &MessageBus{
		inbound:        make(chan InboundMessage, defaultBufferSize),
		outbound:       make(chan OutboundMessage, defaultBufferSize),
		handlers:       make(map[string]MessageHandler),
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(mb)
	}
	return mb
}

// PublishInbound enqueues msg and reports whether it was accepted.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if publish(mb.inbound, msg, mb.publishTimeout) {
		return true
	}
	mb.dropped.inbound.Add(1)
	return false
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return consume(ctx, mb.inbound)
}

// PublishOutbound enqueues msg and reports whether it was accepted.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if publish(mb.outbound, msg, mb.publishTimeout) {
		return true
	}
	mb.dropped.outbound.Add(1)
	return false
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, mb.outbound)
}

func publish[T any](ch chan T, msg T, timeout time.Duration) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func consume[T any](ctx context.Context, ch chan T) (T, bool) {
	var zero T
	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, false
		}
		return msg, true
	case <-ctx.Done():
		return zero, false
	}
}

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) Stats() Stats {
	return Stats{
		InboundQueued:   len(mb.inbound),
		OutboundQueued:  len(mb.outbound),
		DroppedInbound:  mb.dropped.inbound.Load(),
		DroppedOutbound: mb.dropped.outbound.Load(),
	}
}
