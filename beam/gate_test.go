package beam

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateGateLimitsConcurrency(t *testing.T) {
	gate := NewRateGate(2)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.Execute(context.Background(), func(context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Execute returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if gate.InFlight() != 0 {
		t.Errorf("InFlight after drain = %d, want 0", gate.InFlight())
	}
}

func TestRateGateSetLimit(t *testing.T) {
	t.Run("raising limit admits waiters", func(t *testing.T) {
		gate := NewRateGate(1)

		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = gate.Execute(context.Background(), func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		admitted := make(chan struct{})
		go func() {
			_ = gate.Execute(context.Background(), func(context.Context) error {
				close(admitted)
				return nil
			})
		}()

		// The second task is queued behind the held slot.
		select {
		case <-admitted:
			t.Fatal("second task ran before limit was raised")
		case <-time.After(20 * time.Millisecond):
		}

		gate.SetLimit(2)
		select {
		case <-admitted:
		case <-time.After(time.Second):
			t.Fatal("second task not admitted after SetLimit(2)")
		}
		close(release)
	})

	t.Run("lowering limit keeps in-flight tasks", func(t *testing.T) {
		gate := NewRateGate(3)
		release := make(chan struct{})
		started := make(chan struct{}, 3)
		for i := 0; i < 3; i++ {
			go func() {
				_ = gate.Execute(context.Background(), func(context.Context) error {
					started <- struct{}{}
					<-release
					return nil
				})
			}()
		}
		for i := 0; i < 3; i++ {
			<-started
		}

		gate.SetLimit(1)
		if got := gate.InFlight(); got != 3 {
			t.Errorf("InFlight after lowering = %d, want 3", got)
		}
		close(release)
	})

	t.Run("hook fires on change", func(t *testing.T) {
		var fired atomic.Int32
		gate := NewRateGate(2, WithLimitChangedHook(func(old, new int) {
			if old != 2 || new != 5 {
				t.Errorf("hook got (%d, %d), want (2, 5)", old, new)
			}
			fired.Add(1)
		}))
		gate.SetLimit(5)
		gate.SetLimit(5) // no change, no hook
		if fired.Load() != 1 {
			t.Errorf("hook fired %d times, want 1", fired.Load())
		}
	})
}

func TestRateGateCancellation(t *testing.T) {
	gate := NewRateGate(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = gate.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gate.Execute(ctx, func(context.Context) error {
			t.Error("task ran despite cancellation")
			return nil
		})
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	close(release)
}

func TestRateGateClose(t *testing.T) {
	gate := NewRateGate(1)
	gate.Close()
	err := gate.Execute(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrGateClosed) {
		t.Errorf("Execute after Close = %v, want ErrGateClosed", err)
	}
}

func TestGateSetLookup(t *testing.T) {
	set := NewGateSet(2)
	for _, c := range []Capability{CapabilityText, CapabilityImage, CapabilityVision, CapabilityVLM} {
		if set.Gate(c) == nil {
			t.Errorf("Gate(%s) = nil", c)
		}
	}
	if set.Gate(Capability("bogus")) != nil {
		t.Error("Gate(bogus) should be nil")
	}
}
