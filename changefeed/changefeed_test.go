package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(4, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := NewEvent(KindSubscription, "user-1", "sub_1")
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, ch := range []<-chan Event{first, second} {
		select {
		case got := <-ch:
			if got.UserID != "user-1" || got.Kind != KindSubscription {
				t.Errorf("subscriber %d: unexpected event %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker(1, nil)
	defer b.Close()

	ch, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Publish(context.Background(), NewEvent(KindReferral, "u", "r")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if len(ch) != 1 {
		t.Errorf("buffered events: got %d, want 1", len(ch))
	}
}

func TestBrokerUnsubscribeOnCancel(t *testing.T) {
	b := NewBroker(1, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestBrokerClosed(t *testing.T) {
	b := NewBroker(1, nil)
	ch, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel must be closed")
	}
	if err := b.Publish(context.Background(), Event{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close: got %v", err)
	}
	if _, err := b.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close: got %v", err)
	}
}
