package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(WithBufferSize(4), WithPublishTimeout(5*time.Millisecond))
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		if !mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "msg"}) {
			t.Fatalf("publish %d rejected before buffer was full", i)
		}
	}

	if mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "overflow"}) {
		t.Fatalf("expected overflow publish to be rejected")
	}
	stats := mb.Stats()
	if stats.DroppedInbound != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", stats.DroppedInbound)
	}
	if stats.InboundQueued != 4 {
		t.Fatalf("expected 4 queued, got %d", stats.InboundQueued)
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(WithBufferSize(2), WithPublishTimeout(5*time.Millisecond))
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if got := mb.Stats().DroppedOutbound; got != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", got)
	}
}

func TestMessageBus_RoundTrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "discord", ChatID: "c1", Content: "hi", MessageID: "m1"})
	msg, ok := mb.ConsumeInbound(context.Background())
	if !ok || msg.Content != "hi" || msg.MessageID != "m1" {
		t.Fatalf("unexpected inbound %#v ok=%v", msg, ok)
	}
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected cancelled consume to return ok=false")
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if mb.PublishInbound(InboundMessage{Content: "late"}) {
		t.Fatalf("expected publish after close to be rejected")
	}
}
