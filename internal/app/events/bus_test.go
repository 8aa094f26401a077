package events

import (
	"context"
	"testing"
	"time"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/storage/memory"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)

	first, cancelFirst := bus.Subscribe(4)
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	bus.Publish(event.Event{ID: "e1", Type: event.TypeHarvested, MarketID: "m1"})

	for name, ch := range map[string]<-chan event.Event{"first": first, "second": second} {
		select {
		case evt := <-ch:
			if evt.ID != "e1" {
				t.Fatalf("%s subscriber got event %s, want e1", name, evt.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive event", name)
		}
	}

	cancelFirst()
	if _, open := <-first; open {
		t.Fatal("cancelled subscriber channel still open")
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", bus.SubscriberCount())
	}
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(event.Event{ID: "e1"})
	bus.Publish(event.Event{ID: "e2"}) // buffer full, dropped

	evt := <-ch
	if evt.ID != "e1" {
		t.Fatalf("got %s, want e1", evt.ID)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event %s", evt.ID)
	default:
	}
}

func TestRecorderPersistsAndPublishes(t *testing.T) {
	store := memory.New()
	bus := NewBus(nil)
	recorder := NewRecorder(store, bus, nil)

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	recorder.Record(context.Background(), event.TypeMinted, "m1", map[string]any{"shares": "1"})

	select {
	case evt := <-ch:
		if evt.Type != event.TypeMinted || evt.MarketID != "m1" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.ID == "" {
			t.Fatal("published event missing persisted id")
		}
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	stored, err := store.ListEvents(context.Background(), "m1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored events = %d, want 1", len(stored))
	}
}
