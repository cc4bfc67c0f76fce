package emit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func stepEvent(jobID, stage string) Event {
	ev := New(jobID, TypeStep)
	ev.Step = &StepPayload{Stage: stage, Status: "running"}
	return ev
}

func TestBusDelivery(t *testing.T) {
	t.Run("events arrive in publish order", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe("job-1")
		defer sub.Close()

		for _, stage := range []string{"expand", "evaluate", "rank"} {
			bus.Publish("job-1", stepEvent("job-1", stage))
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, want := range []string{"expand", "evaluate", "rank"} {
			ev, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if ev.Step == nil || ev.Step.Stage != want {
				t.Errorf("got stage %+v, want %s", ev.Step, want)
			}
		}
	})

	t.Run("job ids are isolated", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe("job-1")
		defer sub.Close()

		bus.Publish("job-2", stepEvent("job-2", "expand"))
		bus.Publish("job-1", stepEvent("job-1", "rank"))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.JobID != "job-1" {
			t.Errorf("received event for %s", ev.JobID)
		}
	})

	t.Run("deliver targets a single subscription", func(t *testing.T) {
		bus := NewBus()
		a := bus.Subscribe("job-1")
		defer a.Close()
		b := bus.Subscribe("job-1")
		defer b.Close()

		a.Deliver(stepEvent("job-1", "replay"))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ev, err := a.Next(ctx)
		if err != nil || ev.Step.Stage != "replay" {
			t.Fatalf("a.Next = (%+v, %v), want the delivered event", ev, err)
		}

		bctx, bcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer bcancel()
		if ev, err := b.Next(bctx); err == nil {
			t.Errorf("b received %s event, want nothing", ev.Type)
		}
	})

	t.Run("multiple subscribers each get a copy", func(t *testing.T) {
		bus := NewBus()
		a := bus.Subscribe("job-1")
		defer a.Close()
		b := bus.Subscribe("job-1")
		defer b.Close()

		if n := bus.SubscriberCount("job-1"); n != 2 {
			t.Fatalf("SubscriberCount = %d, want 2", n)
		}

		bus.Publish("job-1", stepEvent("job-1", "expand"))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, sub := range []*Subscription{a, b} {
			if _, err := sub.Next(ctx); err != nil {
				t.Errorf("Next: %v", err)
			}
		}
	})
}

func TestBusOverflow(t *testing.T) {
	bus := NewBusSize(2)
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	for _, stage := range []string{"a", "b", "c", "d"} {
		bus.Publish("job-1", stepEvent("job-1", stage))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Dropped events surface as a lag marker before the surviving events.
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != TypeLag {
		t.Fatalf("first event = %s, want lag", ev.Type)
	}
	if ev.Lag.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", ev.Lag.Dropped)
	}

	for _, want := range []string{"c", "d"} {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Step.Stage != want {
			t.Errorf("stage = %s, want %s", ev.Step.Stage, want)
		}
	}
}

func TestBusTap(t *testing.T) {
	bus := NewBus()
	tap := NewBufferedEmitter()
	bus.Tap(tap)

	bus.Publish("job-1", stepEvent("job-1", "expand"))
	bus.Publish("job-2", stepEvent("job-2", "expand"))
	bus.Publish("job-1", stepEvent("job-1", "rank"))

	// Taps see every event even with no subscriptions attached.
	if got := len(tap.History("job-1")); got != 2 {
		t.Errorf("tap saw %d job-1 events, want 2", got)
	}
	steps := tap.HistoryByType("job-2", TypeStep)
	if len(steps) != 1 || steps[0].Step.Stage != "expand" {
		t.Errorf("job-2 steps = %+v, want one expand", steps)
	}

	tap.Clear("job-1")
	if len(tap.History("job-1")) != 0 {
		t.Error("Clear left job-1 events behind")
	}
	if len(tap.History("job-2")) != 1 {
		t.Error("Clear removed unrelated job events")
	}
}

func TestSubscriptionClose(t *testing.T) {
	t.Run("close is idempotent and ends Next", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe("job-1")
		sub.Close()
		sub.Close()

		if n := bus.SubscriberCount("job-1"); n != 0 {
			t.Errorf("SubscriberCount after close = %d, want 0", n)
		}
		if _, err := sub.Next(context.Background()); err != ErrSubscriptionClosed {
			t.Errorf("Next after close = %v, want ErrSubscriptionClosed", err)
		}
	})

	t.Run("buffered events drain before closure", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe("job-1")
		bus.Publish("job-1", stepEvent("job-1", "expand"))
		sub.Close()

		ev, err := sub.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Step.Stage != "expand" {
			t.Errorf("stage = %s, want expand", ev.Step.Stage)
		}
		if _, err := sub.Next(context.Background()); err != ErrSubscriptionClosed {
			t.Errorf("second Next = %v, want ErrSubscriptionClosed", err)
		}
	})

	t.Run("context cancellation unblocks Next", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe("job-1")
		defer sub.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := sub.Next(ctx); err != context.Canceled {
			t.Errorf("Next = %v, want context.Canceled", err)
		}
	})
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBusSize(1024)
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish("job-1", stepEvent("job-1", "expand"))
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < producers*perProducer; i++ {
		if _, err := sub.Next(ctx); err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
	}
}
