package beam

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/beamgen-go/beam/emit"
	"github.com/dshills/beamgen-go/provider"
	"github.com/dshills/beamgen-go/store"
)

// testHarness wires an orchestrator against mocks, an in-memory store, and a
// buffered event tap.
type testHarness struct {
	reg    *Registry
	st     *store.MemStore
	tap    *emit.BufferedEmitter
	text   *provider.MockText
	image  *provider.MockImage
	vision *provider.MockVision
	vlm    *provider.MockVLM
	orch   *Orchestrator
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		st:     store.NewMemStore(),
		tap:    emit.NewBufferedEmitter(),
		text:   &provider.MockText{},
		image:  &provider.MockImage{},
		vision: &provider.MockVision{},
		vlm:    &provider.MockVLM{},
	}
	bus := emit.NewBus()
	bus.Tap(h.tap)
	h.reg = NewRegistry(bus, h.st)
	h.orch = &Orchestrator{
		Registry: h.reg,
		Providers: Providers{
			Text:   h.text,
			Image:  h.image,
			Vision: h.vision,
			VLM:    h.vlm,
		},
		Gates:             NewGateSet(4),
		Pricing:           DefaultPricing(),
		HeartbeatInterval: time.Minute,
	}
	return h
}

func (h *testHarness) start(t *testing.T, params Params) *Job {
	t.Helper()
	job, err := h.reg.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func TestOrchestratorHappyPath(t *testing.T) {
	h := newHarness(t)
	h.orch.Persist = NewFilePersist(t.TempDir())

	// Score by candidate id so the ordering is deterministic: later ordinals
	// score lower, later iterations score higher.
	h.vision.AnalyzeFunc = func(_ context.Context, image, _ string, _ provider.AnalyzeOptions) (provider.Analysis, error) {
		score := 60.0
		if strings.Contains(image, "i1c") {
			score = 80
		}
		if strings.HasSuffix(image, "c0") {
			score += 5
		}
		return provider.Analysis{AlignmentScore: score, AestheticScore: 7, Usage: provider.Usage{Model: "mock-vision"}}, nil
	}

	job := h.start(t, Params{Prompt: "a lighthouse at dusk"})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status())
	}

	t.Run("iterations and survivors", func(t *testing.T) {
		iters := h.tap.HistoryByType(job.ID, emit.TypeIteration)
		if len(iters) != 2 {
			t.Fatalf("iteration events = %d, want 2", len(iters))
		}
		for _, ev := range iters {
			if ev.Iteration.Candidates != 4 || ev.Iteration.Survivors != 2 {
				t.Errorf("iteration %d: %d candidates / %d survivors, want 4/2",
					ev.Iteration.Iteration, ev.Iteration.Candidates, ev.Iteration.Survivors)
			}
		}
	})

	t.Run("ranked events settle rank 1 first", func(t *testing.T) {
		ranked := h.tap.HistoryByType(job.ID, emit.TypeRanked)
		if len(ranked) != 8 {
			t.Fatalf("ranked events = %d, want 8", len(ranked))
		}
		if ranked[0].Ranked.Rank != 1 || ranked[4].Ranked.Rank != 1 {
			t.Errorf("each round should open with rank 1, got %d and %d",
				ranked[0].Ranked.Rank, ranked[4].Ranked.Rank)
		}
	})

	t.Run("complete event carries the metadata document", func(t *testing.T) {
		completes := h.tap.HistoryByType(job.ID, emit.TypeComplete)
		if len(completes) != 1 {
			t.Fatalf("complete events = %d, want 1", len(completes))
		}
		var meta Metadata
		if err := json.Unmarshal(completes[0].Complete.Metadata, &meta); err != nil {
			t.Fatalf("metadata payload: %v", err)
		}
		if meta.Status != StatusComplete || len(meta.Iterations) != 2 {
			t.Errorf("metadata = %s with %d iterations, want complete with 2", meta.Status, len(meta.Iterations))
		}
		if meta.FinalWinner == nil || meta.FinalWinner.CandidateID != "i1c0" {
			t.Errorf("winner = %+v, want i1c0", meta.FinalWinner)
		}
		// The winner's ancestry spans every iteration.
		if len(meta.Lineage) != 2 {
			t.Errorf("lineage length = %d, want 2", len(meta.Lineage))
		}
	})

	t.Run("global ranking precedes completion", func(t *testing.T) {
		global := h.tap.HistoryByType(job.ID, emit.TypeGlobalRanking)
		if len(global) != 1 {
			t.Fatalf("globalRanking events = %d, want 1", len(global))
		}
		rows := global[0].GlobalRanking.Ranking
		if len(rows) != 8 {
			t.Fatalf("global ranking rows = %d, want 8", len(rows))
		}
		if rows[0].CandidateID != "i1c0" || rows[0].Rank != 1 {
			t.Errorf("global ranking head = %+v, want i1c0 at rank 1", rows[0])
		}
	})

	t.Run("store holds the finished record", func(t *testing.T) {
		rec, err := h.st.GetResult(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if rec.Status != "complete" || rec.WinnerID != "i1c0" {
			t.Errorf("record = %+v", rec)
		}
		if len(rec.Metadata) == 0 {
			t.Error("record missing metadata document")
		}
		if pending, _ := h.st.ListPending(context.Background()); len(pending) != 0 {
			t.Error("pending record survived completion")
		}
	})

	t.Run("image generation ran once per candidate", func(t *testing.T) {
		if n := h.image.Count(); n != 8 {
			t.Errorf("Generate calls = %d, want 8", n)
		}
	})
}

func TestOrchestratorMinimalSearch(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status())
	}
	iters := h.tap.HistoryByType(job.ID, emit.TypeIteration)
	if len(iters) != 1 || iters[0].Iteration.Survivors != 1 {
		t.Errorf("iterations = %+v, want one with a single survivor", iters)
	}
	if h.text.Calls("refine") != 4 {
		t.Errorf("refine calls = %d, want 4 (what+how per candidate)", h.text.Calls("refine"))
	}
	if h.text.Calls("combine") != 2 {
		t.Errorf("combine calls = %d, want 2", h.text.Calls("combine"))
	}
}

func TestOrchestratorCancellation(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, Params{Prompt: "a fox"})

	// Cancel during the first image generation; the run must stop at the next
	// stage boundary without inventing results.
	h.image.GenerateFunc = func(ctx context.Context, _ string, _ provider.ImageOptions) (provider.ImageResult, error) {
		job.Cancel()
		<-ctx.Done()
		return provider.ImageResult{}, ctx.Err()
	}

	h.orch.Run(job)

	if job.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status())
	}
	cancelled := h.tap.HistoryByType(job.ID, emit.TypeCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("cancelled events = %d, want 1", len(cancelled))
	}
	if cancelled[0].Cancelled.CompletedIterations != 0 {
		t.Errorf("completed iterations = %d, want 0", cancelled[0].Cancelled.CompletedIterations)
	}
	if len(h.tap.HistoryByType(job.ID, emit.TypeComplete)) != 0 {
		t.Error("cancelled job published a complete event")
	}
	rec, err := h.st.GetResult(context.Background(), job.ID)
	if err != nil || rec.Status != "cancelled" {
		t.Errorf("record = (%+v, %v), want cancelled", rec, err)
	}
}

func TestOrchestratorInsufficientCandidates(t *testing.T) {
	h := newHarness(t)
	h.image.GenerateFunc = func(context.Context, string, provider.ImageOptions) (provider.ImageResult, error) {
		return provider.ImageResult{}, errors.New("renderer out of memory")
	}

	job := h.start(t, Params{Prompt: "a fox"})
	h.orch.Run(job)

	if job.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status())
	}
	errs := h.tap.HistoryByType(job.ID, emit.TypeError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if errs[0].Error.Code != "INSUFFICIENT_CANDIDATES" {
		t.Errorf("code = %s, want INSUFFICIENT_CANDIDATES", errs[0].Error.Code)
	}
}

func TestOrchestratorTournamentFallback(t *testing.T) {
	h := newHarness(t)
	h.vlm.CompareFunc = func(context.Context, string, string, string) (provider.Comparison, error) {
		return provider.Comparison{}, errors.New("judge offline")
	}

	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1, RankingMode: RankVLM})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete (score fallback)", job.Status())
	}

	degraded := false
	for _, ev := range h.tap.HistoryByType(job.ID, emit.TypeStep) {
		if ev.Step.Stage == "rank" && ev.Step.Status == "degraded" {
			degraded = true
		}
	}
	if !degraded {
		t.Error("missing degraded rank step")
	}

	for _, ev := range h.tap.HistoryByType(job.ID, emit.TypeRanked) {
		if !strings.HasPrefix(ev.Ranked.Reason, "score") {
			t.Errorf("rank reason = %q, want score fallback", ev.Ranked.Reason)
		}
	}
}

func TestOrchestratorTournamentRanking(t *testing.T) {
	h := newHarness(t)

	// Judge prefers the second image of every pair; with two candidates the
	// single comparison decides the round.
	h.vlm.CompareFunc = func(_ context.Context, _, _, _ string) (provider.Comparison, error) {
		return provider.Comparison{Choice: "B", Confidence: 0.8}, nil
	}

	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1, RankingMode: RankVLM})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status())
	}
	ranked := h.tap.HistoryByType(job.ID, emit.TypeRanked)
	if len(ranked) != 2 {
		t.Fatalf("ranked events = %d, want 2", len(ranked))
	}
	if ranked[0].Ranked.CandidateID != "i0c1" || ranked[0].Ranked.Wins != 1 {
		t.Errorf("round winner = %+v, want i0c1 with one win", ranked[0].Ranked)
	}
}

func TestOrchestratorSafetyRephrase(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	refused := map[string]bool{}
	h.image.GenerateFunc = func(_ context.Context, prompt string, opts provider.ImageOptions) (provider.ImageResult, error) {
		mu.Lock()
		first := !refused[opts.CandidateID]
		refused[opts.CandidateID] = true
		mu.Unlock()
		if opts.CandidateID == "i0c0" && first {
			return provider.ImageResult{}, &provider.ContentPolicyError{Message: "prompt flagged"}
		}
		return provider.ImageResult{URL: "mock://image/" + opts.CandidateID}, nil
	}

	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status())
	}
	if n := h.text.Calls("rephrase"); n != 1 {
		t.Errorf("rephrase calls = %d, want 1", n)
	}

	var stages []string
	for _, ev := range h.tap.HistoryByType(job.ID, emit.TypeStep) {
		if ev.Step.Stage == "safety" {
			stages = append(stages, ev.Step.Status)
		}
	}
	if len(stages) != 2 || stages[0] != "rephrasing" || stages[1] != "retrying" {
		t.Errorf("safety steps = %v, want [rephrasing retrying]", stages)
	}
}

func TestOrchestratorBatchGeneration(t *testing.T) {
	h := newHarness(t)
	batch := &provider.MockBatchImage{}
	batchCalls := 0
	batch.BatchFunc = func(_ context.Context, reqs []provider.ImageRequest) ([]provider.ImageResult, error) {
		batchCalls++
		out := make([]provider.ImageResult, len(reqs))
		for i, req := range reqs {
			out[i] = provider.ImageResult{URL: "mock://image/" + req.Options.CandidateID}
		}
		return out, nil
	}
	h.orch.Providers.Image = batch

	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status())
	}
	if batchCalls != 1 {
		t.Errorf("batch calls = %d, want 1", batchCalls)
	}
	if batch.Count() != 0 {
		t.Errorf("per-candidate calls = %d, want 0", batch.Count())
	}
}

func TestOrchestratorConnFailureDropsCandidate(t *testing.T) {
	h := newHarness(t)
	h.orch.Conns = &Conns{
		Vision: NewServiceConnection("vision",
			WithPolicy(RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
			WithConnLogger(quietLogger())),
	}

	// One candidate's vision scoring never connects; with three of four still
	// healthy the round must continue without it.
	h.vision.AnalyzeFunc = func(_ context.Context, image, _ string, _ provider.AnalyzeOptions) (provider.Analysis, error) {
		if strings.HasSuffix(image, "i0c2") {
			return provider.Analysis{}, &ConnError{Kind: KindRefused, Err: errors.New("connection refused")}
		}
		return provider.Analysis{AlignmentScore: 70, AestheticScore: 7, Usage: provider.Usage{Model: "mock-vision"}}, nil
	}

	job := h.start(t, Params{Prompt: "a fox"})
	h.orch.Run(job)

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s, want complete (one dropped candidate, 3 healthy >= m)", job.Status())
	}
	dropped := false
	for _, ev := range h.tap.HistoryByType(job.ID, emit.TypeCandidate) {
		if ev.Candidate.ID == "i0c2" && ev.Candidate.Failed {
			dropped = true
		}
	}
	if !dropped {
		t.Error("i0c2 never reported as failed")
	}
	if n := len(h.tap.HistoryByType(job.ID, emit.TypeError)); n != 0 {
		t.Errorf("error events = %d, want 0", n)
	}
	if n := len(h.tap.HistoryByType(job.ID, emit.TypeComplete)); n != 1 {
		t.Errorf("complete events = %d, want 1", n)
	}
}

// finalizeCanceller cancels its job from inside the metadata write, landing
// the cancel while the terminal path is already in flight.
type finalizeCanceller struct {
	job  *Job
	next Persist
}

func (p *finalizeCanceller) SaveMetadata(ctx context.Context, m *Metadata) (string, error) {
	p.job.Cancel()
	return p.next.SaveMetadata(ctx, m)
}

func TestOrchestratorCancelDuringFinalize(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1})
	h.orch.Persist = &finalizeCanceller{job: job, next: NewFilePersist(t.TempDir())}
	h.orch.Run(job)

	var complete, cancelled, failed int
	for _, ev := range h.tap.History(job.ID) {
		switch ev.Type {
		case emit.TypeComplete:
			complete++
		case emit.TypeCancelled:
			cancelled++
		case emit.TypeError:
			failed++
		}
	}
	if complete != 1 || cancelled != 0 || failed != 0 {
		t.Fatalf("terminal events complete=%d cancelled=%d error=%d, want a single complete",
			complete, cancelled, failed)
	}
}

func TestOrchestratorLateAttachReplaysOutcome(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, Params{Prompt: "a fox", N: 2, M: 1, MaxIterations: 1})
	h.orch.Run(job)

	sub, err := h.reg.Attach(job.ID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ev, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != emit.TypeComplete {
		t.Errorf("replayed type = %s, want complete", ev.Type)
	}
}
