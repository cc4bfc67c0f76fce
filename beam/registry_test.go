package beam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/beamgen-go/beam/emit"
	"github.com/dshills/beamgen-go/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	return NewRegistry(emit.NewBus(), st), st
}

func TestRegistryCreate(t *testing.T) {
	t.Run("registers a pending job and its recovery record", func(t *testing.T) {
		reg, st := newTestRegistry(t)
		job, err := reg.Create(context.Background(), Params{Prompt: "a lighthouse"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if job.Status() != StatusPending {
			t.Errorf("status = %s, want pending", job.Status())
		}
		if job.Params.N != 4 {
			t.Errorf("defaults not applied, N = %d", job.Params.N)
		}

		got, err := reg.Get(job.ID)
		if err != nil || got != job {
			t.Errorf("Get = (%v, %v), want the created job", got, err)
		}

		pending, _ := st.ListPending(context.Background())
		if len(pending) != 1 || pending[0].JobID != job.ID {
			t.Errorf("pending = %+v, want one record for %s", pending, job.ID)
		}
	})

	t.Run("rejects invalid params", func(t *testing.T) {
		reg, st := newTestRegistry(t)
		_, err := reg.Create(context.Background(), Params{Prompt: "x", N: 4, M: 3})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
		if pending, _ := st.ListPending(context.Background()); len(pending) != 0 {
			t.Error("rejected job left a pending record")
		}
	})
}

func TestRegistryLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Get("job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get unknown = %v, want ErrJobNotFound", err)
	}
	if err := reg.Cancel("job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel unknown = %v, want ErrJobNotFound", err)
	}
	if _, err := reg.Attach("job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Attach unknown = %v, want ErrJobNotFound", err)
	}

	a, _ := reg.Create(context.Background(), Params{Prompt: "first"})
	time.Sleep(time.Millisecond)
	b, _ := reg.Create(context.Background(), Params{Prompt: "second"})

	list := reg.List()
	if len(list) != 2 || list[0] != a || list[1] != b {
		t.Errorf("List order wrong: %v", list)
	}
}

func TestRegistryCancel(t *testing.T) {
	reg, _ := newTestRegistry(t)
	job, _ := reg.Create(context.Background(), Params{Prompt: "x"})

	if err := reg.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status())
	}
	if err := reg.Cancel(job.ID); err != nil {
		t.Errorf("second Cancel errored: %v", err)
	}
}

func TestRegistryFinish(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	job, _ := reg.Create(ctx, Params{Prompt: "a lighthouse"})
	job.setStatus(StatusRunning)

	terminal := emit.New(job.ID, emit.TypeComplete)
	terminal.Complete = &emit.CompletePayload{Metadata: []byte(`{"jobId":"x"}`)}

	reg.Finish(ctx, job, StatusComplete, terminal, store.JobRecord{
		Prompt:   "a lighthouse",
		WinnerID: "i1c0",
		CostUSD:  0.42,
	})

	t.Run("store holds the result, pending is gone", func(t *testing.T) {
		rec, err := st.GetResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if rec.Status != "complete" || rec.WinnerID != "i1c0" {
			t.Errorf("record = %+v", rec)
		}
		if pending, _ := st.ListPending(ctx); len(pending) != 0 {
			t.Error("pending record survived Finish")
		}
	})

	t.Run("late attach replays the terminal event", func(t *testing.T) {
		sub, err := reg.Attach(job.ID)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Type != emit.TypeComplete {
			t.Errorf("replayed type = %s, want complete", ev.Type)
		}
		if _, err := sub.Next(ctx); err != emit.ErrSubscriptionClosed {
			t.Errorf("stream should end after replay, got %v", err)
		}
	})

	t.Run("history lists the run", func(t *testing.T) {
		recs, err := reg.History(ctx, 10)
		if err != nil || len(recs) != 1 {
			t.Fatalf("History = (%v, %v), want one record", recs, err)
		}
		if recs[0].JobID != job.ID {
			t.Errorf("history job = %s, want %s", recs[0].JobID, job.ID)
		}
	})
}

func TestRegistryReplayTargetsLateSubscriber(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	job, _ := reg.Create(ctx, Params{Prompt: "x"})
	job.setStatus(StatusRunning)

	live, err := reg.Attach(job.ID)
	if err != nil {
		t.Fatalf("Attach live: %v", err)
	}
	defer live.Close()

	terminal := emit.New(job.ID, emit.TypeComplete)
	terminal.Complete = &emit.CompletePayload{Metadata: []byte(`{}`)}
	reg.Bus().Publish(job.ID, terminal)
	reg.Finish(ctx, job, StatusComplete, terminal, store.JobRecord{Prompt: "x"})

	ev, err := live.Next(ctx)
	if err != nil || ev.Type != emit.TypeComplete {
		t.Fatalf("live Next = (%+v, %v), want the published complete", ev, err)
	}

	late, err := reg.Attach(job.ID)
	if err != nil {
		t.Fatalf("Attach late: %v", err)
	}
	if ev, err := late.Next(ctx); err != nil || ev.Type != emit.TypeComplete {
		t.Fatalf("late Next = (%+v, %v), want the replayed complete", ev, err)
	}
	if _, err := late.Next(ctx); err != emit.ErrSubscriptionClosed {
		t.Errorf("late stream should end after replay, got %v", err)
	}

	// The replay must not reach the subscriber that already saw the outcome.
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if ev, err := live.Next(cctx); err == nil {
		t.Errorf("live subscriber got a duplicate %s event", ev.Type)
	}
}

func TestRegistryAttachLive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	job, _ := reg.Create(ctx, Params{Prompt: "x"})

	sub, err := reg.Attach(job.ID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sub.Close()

	ev := emit.New(job.ID, emit.TypeStep)
	ev.Step = &emit.StepPayload{Stage: "expand", Status: "running"}
	reg.Bus().Publish(job.ID, ev)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := sub.Next(cctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Step == nil || got.Step.Stage != "expand" {
		t.Errorf("got %+v, want expand step", got)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	// Records left behind by a process that died mid-run.
	_ = st.SavePending(ctx, store.PendingJob{
		JobID:     "job-orphan",
		StartTime: time.Now().Add(-time.Hour),
		Params:    []byte(`{"prompt":"a lighthouse"}`),
	})

	reg := NewRegistry(emit.NewBus(), st)
	n, err := reg.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}

	rec, err := st.GetResult(ctx, "job-orphan")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != "failed" || rec.Prompt != "a lighthouse" {
		t.Errorf("record = %+v, want failed with original prompt", rec)
	}
	if pending, _ := st.ListPending(ctx); len(pending) != 0 {
		t.Error("pending record survived recovery")
	}

	t.Run("clean store recovers nothing", func(t *testing.T) {
		n, err := reg.RecoverInterrupted(ctx)
		if err != nil || n != 0 {
			t.Errorf("got (%d, %v), want (0, nil)", n, err)
		}
	})
}
