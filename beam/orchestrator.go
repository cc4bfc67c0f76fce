package beam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/beamgen-go/beam/emit"
	"github.com/dshills/beamgen-go/provider"
	"github.com/dshills/beamgen-go/store"
)

// searchState is the orchestrator's position in the per-job state machine.
type searchState int

const (
	statePrepare searchState = iota
	stateExpand
	stateEvaluate
	stateRank
	stateSelect
	stateFinalize
	stateComplete
	stateCancelled
	stateFailed
)

func (s searchState) String() string {
	switch s {
	case statePrepare:
		return "prepare"
	case stateExpand:
		return "expand"
	case stateEvaluate:
		return "evaluate"
	case stateRank:
		return "rank"
	case stateSelect:
		return "select"
	case stateFinalize:
		return "finalize"
	case stateComplete:
		return "complete"
	case stateCancelled:
		return "cancelled"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Providers bundles the upstream adapters one job runs against.
type Providers struct {
	Text   provider.TextProvider
	Image  provider.ImageGenProvider
	Vision provider.VisionProvider
	VLM    provider.VLMProvider
}

// Conns bundles the optional per-capability retry wrappers. Nil entries call
// the provider directly.
type Conns struct {
	Text   *ServiceConnection
	Image  *ServiceConnection
	Vision *ServiceConnection
	VLM    *ServiceConnection
}

func (c *Conns) get(cap Capability) *ServiceConnection {
	if c == nil {
		return nil
	}
	switch cap {
	case CapabilityText:
		return c.Text
	case CapabilityImage:
		return c.Image
	case CapabilityVision:
		return c.Vision
	case CapabilityVLM:
		return c.VLM
	}
	return nil
}

// DefaultHeartbeatInterval bounds the silence between events while upstream
// work is in flight.
const DefaultHeartbeatInterval = 5 * time.Second

// Orchestrator drives search jobs through the expand/evaluate/rank/select
// loop. One Orchestrator serves many jobs; per-job state lives in the run.
//
// Every stage transition checks the job context, so cancellation takes
// effect at the next suspension point without killing in-flight upstream
// calls.
type Orchestrator struct {
	Registry  *Registry
	Providers Providers
	Conns     *Conns
	Gates     *GateSet
	GPU       *GPUCoordinator
	Persist   Persist
	Pricing   PricingTable
	Metrics   *Metrics

	// ProviderNames maps capability to the configured provider family name,
	// used in events and cost attribution.
	ProviderNames map[Capability]string

	HeartbeatInterval time.Duration
	Logger            *log.Logger
}

// run is the per-job mutable state. mu guards errs and byID, which stage
// goroutines touch concurrently.
type run struct {
	job     *Job
	ctx     context.Context
	tracker *TokenTracker

	sessionID  string
	iterStart  time.Time
	iterations [][]*Candidate
	records    []IterationRecord
	survivors  []*Candidate

	mu   sync.Mutex
	byID map[string]*Candidate
	errs []string
}

// Run executes one job to a terminal state. Blocking; callers usually spawn
// it on a goroutine right after Registry.Create.
func (o *Orchestrator) Run(job *Job) {
	logger := o.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := &run{
		job:       job,
		ctx:       job.Context(),
		tracker:   NewTokenTracker(o.Pricing),
		sessionID: NewSessionID(job.CreatedAt),
		byID:      make(map[string]*Candidate),
	}

	job.setStatus(StatusRunning)
	logger.Printf("[beam] %s starting: n=%d m=%d iterations=%d mode=%s",
		job.ID, job.Params.N, job.Params.M, job.Params.MaxIterations, job.Params.RankingMode)

	stopHeartbeat := o.startHeartbeat(r)
	defer stopHeartbeat()
	defer o.GPU.CleanupAll(context.Background())

	state := statePrepare
	var runErr error

loop:
	for {
		// Cancellation redirects only the working states. A terminal path
		// already in flight runs to its single terminal event.
		switch state {
		case statePrepare, stateExpand, stateEvaluate, stateRank, stateSelect:
			if r.ctx.Err() != nil {
				state = stateCancelled
			}
		}

		switch state {
		case statePrepare:
			state = stateExpand

		case stateExpand:
			it := len(r.iterations)
			start := time.Now()
			cands, err := o.expand(r, it)
			o.Metrics.ObserveStage("expand", stageStatus(err), time.Since(start))
			if err != nil {
				runErr = err
				state = stateFailed
				if errors.Is(r.ctx.Err(), context.Canceled) {
					state = stateCancelled
				}
				continue
			}
			r.iterations = append(r.iterations, cands)
			state = stateEvaluate

		case stateEvaluate:
			it := len(r.iterations) - 1
			start := time.Now()
			err := o.evaluate(r, it)
			o.Metrics.ObserveStage("evaluate", stageStatus(err), time.Since(start))
			if err != nil {
				runErr = err
				state = stateFailed
				if errors.Is(r.ctx.Err(), context.Canceled) {
					state = stateCancelled
				}
				continue
			}
			state = stateRank

		case stateRank:
			it := len(r.iterations) - 1
			start := time.Now()
			err := o.rank(r, it)
			o.Metrics.ObserveStage("rank", stageStatus(err), time.Since(start))
			if err != nil {
				runErr = err
				state = stateFailed
				if errors.Is(r.ctx.Err(), context.Canceled) {
					state = stateCancelled
				}
				continue
			}
			state = stateSelect

		case stateSelect:
			it := len(r.iterations) - 1
			o.selectSurvivors(r, it)
			if len(r.iterations) >= r.job.Params.MaxIterations {
				state = stateFinalize
			} else {
				state = stateExpand
			}

		case stateFinalize:
			if err := o.finalize(r); err != nil {
				runErr = err
				state = stateFailed
				continue
			}
			state = stateComplete

		case stateComplete:
			logger.Printf("[beam] %s complete: %s", job.ID, r.tracker.Summary())
			break loop

		case stateCancelled:
			o.finishCancelled(r)
			logger.Printf("[beam] %s cancelled after %d iterations", job.ID, len(r.records))
			break loop

		case stateFailed:
			o.finishFailed(r, runErr)
			logger.Printf("[beam] %s failed: %v", job.ID, runErr)
			break loop
		}
	}
}

func stageStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// startHeartbeat publishes a heartbeat operation event whenever the stream
// has been silent for the heartbeat interval.
func (o *Orchestrator) startHeartbeat(r *run) (stop func()) {
	interval := o.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ev := emit.New(r.job.ID, emit.TypeOperation)
				ev.Operation = &emit.OperationPayload{
					Provider:       "orchestrator",
					Operation:      "heartbeat",
					RunningCostUSD: r.tracker.TotalUSD(),
				}
				o.publish(r.job.ID, ev)
				o.Metrics.ObserveGates(o.Gates)
			}
		}
	}()
	return func() { close(done) }
}

func (o *Orchestrator) publish(jobID string, ev emit.Event) {
	if o.Registry != nil && o.Registry.Bus() != nil {
		o.Registry.Bus().Publish(jobID, ev)
	}
}

func (o *Orchestrator) providerName(cap Capability) string {
	if n, ok := o.ProviderNames[cap]; ok {
		return n
	}
	return string(cap)
}

// record books usage, publishes the operation ping, and returns the running
// cost.
func (o *Orchestrator) record(r *run, cap Capability, operation, candidateID string, u provider.Usage, images int, dimension string) float64 {
	total := r.tracker.Record(Usage{
		Provider:     o.providerName(cap),
		Operation:    operation,
		Model:        u.Model,
		Dimension:    dimension,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Images:       images,
	})
	ev := emit.New(r.job.ID, emit.TypeOperation)
	ev.Operation = &emit.OperationPayload{
		Provider:       o.providerName(cap),
		Operation:      operation,
		CandidateID:    candidateID,
		RunningCostUSD: total,
	}
	o.publish(r.job.ID, ev)
	return total
}

// upstream runs op under the capability's gate, retry wrapper, and GPU
// residency, in that nesting order.
func (o *Orchestrator) upstream(ctx context.Context, cap Capability, op func(ctx context.Context) error) error {
	return o.upstreamScaled(ctx, cap, 1, op)
}

// upstreamScaled is upstream with the per-attempt timeout stretched by scale,
// for batched calls whose upstream work grows with batch size.
func (o *Orchestrator) upstreamScaled(ctx context.Context, cap Capability, scale int, op func(ctx context.Context) error) error {
	body := func(ctx context.Context) error {
		return o.GPU.WithOperation(ctx, cap, op)
	}
	withRetry := body
	if conn := o.Conns.get(cap); conn != nil {
		withRetry = func(ctx context.Context) error {
			return conn.WithRetryScaled(ctx, scale, body)
		}
	}
	var gate *RateGate
	if o.Gates != nil {
		gate = o.Gates.Gate(cap)
	}
	if gate == nil {
		return withRetry(ctx)
	}
	return gate.Execute(ctx, withRetry)
}

func (o *Orchestrator) emitStep(r *run, stage, status, detail string, iteration int) {
	ev := emit.New(r.job.ID, emit.TypeStep)
	ev.Step = &emit.StepPayload{
		Stage:          stage,
		Status:         status,
		Detail:         detail,
		Iteration:      iteration,
		RunningCostUSD: r.tracker.TotalUSD(),
	}
	o.publish(r.job.ID, ev)
}

// emitCandidate publishes an incremental candidate snapshot. Score fields
// are attached only once the candidate has an evaluation.
func (o *Orchestrator) emitCandidate(r *run, c *Candidate) {
	p := &emit.CandidatePayload{
		ID:             c.ID,
		Iteration:      c.Iteration,
		Ordinal:        c.Ordinal,
		ParentID:       c.ParentID,
		WhatPrompt:     c.WhatPrompt,
		HowPrompt:      c.HowPrompt,
		CombinedPrompt: c.CombinedPrompt,
		ImageURL:       c.ImageURL,
		ImagePath:      c.ImagePath,
		Failed:         c.Failed,
	}
	if c.Evaluation != nil {
		al, ae, ts := c.Evaluation.Alignment, c.Evaluation.Aesthetic, c.TotalScore
		p.Alignment, p.Aesthetic, p.TotalScore = &al, &ae, &ts
	}
	if c.Ranking.IterationRank > 0 {
		sv := c.Survived
		p.Survived = &sv
	}
	ev := emit.New(r.job.ID, emit.TypeCandidate)
	ev.Candidate = p
	o.publish(r.job.ID, ev)
}

// expand produces iteration it's N candidates from the survivors (or the
// user prompt for iteration 0).
func (o *Orchestrator) expand(r *run, it int) ([]*Candidate, error) {
	params := r.job.Params
	r.iterStart = time.Now()
	o.emitStep(r, "expand", "started", "", it)

	// Assign parents round-robin-free: each survivor gets a contiguous block
	// of N/M children. Iteration 0 has no parents.
	parents := make([]*Candidate, params.N)
	if it > 0 {
		ratio := params.ExpansionRatio()
		for s, surv := range r.survivors {
			for k := 0; k < ratio; k++ {
				parents[s*ratio+k] = surv
			}
		}
	}

	cands := make([]*Candidate, params.N)
	g, gctx := errgroup.WithContext(r.ctx)
	for ord := 0; ord < params.N; ord++ {
		ord := ord
		c := &Candidate{
			ID:        CandidateID(it, ord),
			Iteration: it,
			Ordinal:   ord,
		}
		if parents[ord] != nil {
			c.ParentID = parents[ord].ID
		}
		cands[ord] = c
		g.Go(func() error {
			if err := o.buildPrompts(r, gctx, c, parents[ord]); err != nil {
				// A dropped candidate is tolerable as long as M survive.
				c.Failed = true
				r.appendErr(fmt.Sprintf("%s: %v", c.ID, err))
				o.emitCandidate(r, c)
				if isFatal(err) {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := o.generateAll(r, cands); err != nil {
		return nil, err
	}

	healthy := 0
	for _, c := range cands {
		if !c.Failed {
			healthy++
			r.track(c)
		}
	}
	if healthy < params.M {
		return nil, &SearchError{
			Message: fmt.Sprintf("iteration %d produced %d candidates, need %d", it, healthy, params.M),
			Code:    "INSUFFICIENT_CANDIDATES",
			Err:     ErrInsufficientCandidates,
		}
	}
	o.emitStep(r, "expand", "finished", fmt.Sprintf("%d/%d candidates", healthy, params.N), it)
	return cands, nil
}

// isFatal reports whether a candidate failure should abort the whole job
// rather than drop the candidate. Upstream exhaustion stays candidate-scoped:
// the healthy-count checks fail the job once fewer than M remain.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// buildPrompts runs the refine/combine pipeline for one candidate.
func (o *Orchestrator) buildPrompts(r *run, ctx context.Context, c *Candidate, parent *Candidate) error {
	params := r.job.Params
	critique := BuildCritique(parent)

	priorWhat, priorHow := "", ""
	if parent != nil {
		priorWhat, priorHow = parent.WhatPrompt, parent.HowPrompt
	}

	// WHAT and HOW refinement are independent; run them in parallel.
	g, gctx := errgroup.WithContext(ctx)
	refine := func(dimension, prior string, dst *string) func() error {
		return func() error {
			return o.upstream(gctx, CapabilityText, func(ctx context.Context) error {
				res, err := o.Providers.Text.Refine(ctx, prior, provider.RefineOptions{
					Dimension:   dimension,
					Critique:    critique,
					UserPrompt:  params.Prompt,
					PriorResult: prior,
					Temperature: *params.Temperature,
					Model:       params.Models[string(CapabilityText)],
				})
				if err != nil {
					return err
				}
				*dst = res.RefinedPrompt
				o.record(r, CapabilityText, "refine", c.ID, res.Usage, 0, dimension)
				return nil
			})
		}
	}
	g.Go(refine(provider.DimensionWhat, priorWhat, &c.WhatPrompt))
	g.Go(refine(provider.DimensionHow, priorHow, &c.HowPrompt))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refine: %w", err)
	}

	if err := o.upstream(ctx, CapabilityText, func(ctx context.Context) error {
		res, err := o.Providers.Text.Combine(ctx, c.WhatPrompt, c.HowPrompt, provider.CombineOptions{
			Descriptiveness: params.Descriptiveness,
			Temperature:     *params.Temperature,
			Model:           params.Models[string(CapabilityText)],
		})
		if err != nil {
			return err
		}
		c.CombinedPrompt = res.CombinedPrompt
		o.record(r, CapabilityText, "combine", c.ID, res.Usage, 0, "")
		return nil
	}); err != nil {
		return fmt.Errorf("combine: %w", err)
	}

	o.emitCandidate(r, c)
	return nil
}

// generateAll produces images for every candidate with prompts, using the
// provider's batch path when it has one.
func (o *Orchestrator) generateAll(r *run, cands []*Candidate) error {
	pending := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Failed {
			pending = append(pending, c)
		}
	}

	if bg, ok := provider.SupportsBatch(o.Providers.Image); ok {
		if err := o.generateBatch(r, pending, bg); err == nil {
			return nil
		}
		// Batch failure falls through to per-candidate generation so a
		// single bad prompt cannot sink the whole iteration.
	}

	g, gctx := errgroup.WithContext(r.ctx)
	for _, c := range pending {
		c := c
		if c.ImageRef() != "" {
			continue
		}
		g.Go(func() error {
			if err := o.generate(r, gctx, c); err != nil {
				c.Failed = true
				r.appendErr(fmt.Sprintf("%s: generate: %v", c.ID, err))
				o.emitCandidate(r, c)
				if isFatal(err) {
					return err
				}
				return nil
			}
			o.emitCandidate(r, c)
			return nil
		})
	}
	return g.Wait()
}

// generateBatch submits all pending prompts in one request.
func (o *Orchestrator) generateBatch(r *run, pending []*Candidate, bg provider.BatchImageGenerator) error {
	reqs := make([]provider.ImageRequest, 0, len(pending))
	for _, c := range pending {
		reqs = append(reqs, provider.ImageRequest{
			Prompt:  c.CombinedPrompt,
			Options: o.imageOptions(r, c),
		})
	}

	var results []provider.ImageResult
	err := o.upstreamScaled(r.ctx, CapabilityImage, len(pending), func(ctx context.Context) error {
		var err error
		results, err = bg.GenerateBatch(ctx, reqs)
		return err
	})
	if err != nil {
		return fmt.Errorf("batch generate: %w", err)
	}
	if len(results) != len(pending) {
		return fmt.Errorf("batch generate: got %d results for %d prompts", len(results), len(pending))
	}

	for i, c := range pending {
		c.ImageURL = results[i].URL
		c.ImagePath = results[i].LocalPath
		o.record(r, CapabilityImage, "generate", c.ID, results[i].Usage, 1, "")
		o.emitCandidate(r, c)
	}
	return nil
}

// generate produces the candidate's image, retrying once through a rephrase
// when the upstream refuses the prompt on content-policy grounds.
func (o *Orchestrator) generate(r *run, ctx context.Context, c *Candidate) error {
	opts := o.imageOptions(r, c)

	attempt := func(prompt string) error {
		return o.upstream(ctx, CapabilityImage, func(ctx context.Context) error {
			res, err := o.Providers.Image.Generate(ctx, prompt, opts)
			if err != nil {
				return err
			}
			c.ImageURL = res.URL
			c.ImagePath = res.LocalPath
			o.record(r, CapabilityImage, "generate", c.ID, res.Usage, 1, "")
			return nil
		})
	}

	err := attempt(c.CombinedPrompt)
	var policy *provider.ContentPolicyError
	if err == nil || !errors.As(err, &policy) {
		return err
	}

	// One rephrase attempt per candidate; a second refusal drops it.
	o.Metrics.IncSafetyRetry()
	o.emitStep(r, "safety", "rephrasing", policy.Message, c.Iteration)

	var rephrased string
	rerr := o.upstream(ctx, CapabilityText, func(ctx context.Context) error {
		res, err := o.Providers.Text.Rephrase(ctx, c.CombinedPrompt, policy.Message)
		if err != nil {
			return err
		}
		rephrased = res.RefinedPrompt
		o.record(r, CapabilityText, "rephrase", c.ID, res.Usage, 0, "")
		return nil
	})
	if rerr != nil {
		return fmt.Errorf("rephrase after refusal: %w", rerr)
	}
	c.CombinedPrompt = rephrased
	o.emitStep(r, "safety", "retrying", "", c.Iteration)
	return attempt(rephrased)
}

func (o *Orchestrator) imageOptions(r *run, c *Candidate) provider.ImageOptions {
	params := r.job.Params
	opts := provider.ImageOptions{
		Iteration:   c.Iteration,
		CandidateID: c.ID,
		SessionID:   r.sessionID,
		Model:       params.Models[string(CapabilityImage)],
	}
	if ff := params.FaceFix; ff != nil {
		opts.FixFaces = ff.FixFaces
		opts.RestorationStrength = ff.RestorationStrength
		opts.FaceUpscale = ff.FaceUpscale
	}
	if po := params.ProviderOptions; po != nil {
		if blk, ok := po["image"]; ok {
			opts.Extra = blk
		}
	}
	return opts
}

// evaluate scores every healthy candidate of iteration it.
func (o *Orchestrator) evaluate(r *run, it int) error {
	params := r.job.Params
	cands := r.iterations[it]
	o.emitStep(r, "evaluate", "started", "", it)

	g, gctx := errgroup.WithContext(r.ctx)
	for _, c := range cands {
		if c.Failed {
			continue
		}
		c := c
		g.Go(func() error {
			err := o.upstream(gctx, CapabilityVision, func(ctx context.Context) error {
				an, err := o.Providers.Vision.Analyze(ctx, c.ImageRef(), params.Prompt, provider.AnalyzeOptions{
					Model: params.Models[string(CapabilityVision)],
				})
				if err != nil {
					return err
				}
				c.Evaluation = &Evaluation{
					Alignment:  an.AlignmentScore,
					Aesthetic:  an.AestheticScore,
					Caption:    an.Caption,
					Strengths:  an.Strengths,
					Weaknesses: an.Weaknesses,
				}
				c.TotalScore = Score(*params.Alpha, an.AlignmentScore, an.AestheticScore)
				o.record(r, CapabilityVision, "analyze", c.ID, an.Usage, 0, "")
				return nil
			})
			if err != nil {
				c.Failed = true
				r.untrack(c.ID)
				r.appendErr(fmt.Sprintf("%s: evaluate: %v", c.ID, err))
				o.emitCandidate(r, c)
				if isFatal(err) {
					return err
				}
				return nil
			}
			o.emitCandidate(r, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	healthy := 0
	for _, c := range cands {
		if !c.Failed {
			healthy++
		}
	}
	if healthy < params.M {
		return &SearchError{
			Message: fmt.Sprintf("iteration %d has %d evaluated candidates, need %d", it, healthy, params.M),
			Code:    "INSUFFICIENT_CANDIDATES",
			Err:     ErrInsufficientCandidates,
		}
	}
	o.emitStep(r, "evaluate", "finished", "", it)
	return nil
}

// rank orders iteration it's candidates. VLM mode degrades to score mode
// when every pair comparison fails.
func (o *Orchestrator) rank(r *run, it int) error {
	params := r.job.Params
	cands := r.iterations[it]
	o.emitStep(r, "rank", "started", string(params.RankingMode), it)

	var ranked []*Candidate
	switch params.RankingMode {
	case RankVLM:
		var err error
		ranked, err = o.rankVLM(r, it, cands)
		if err != nil {
			if !errors.Is(err, ErrAllPairsFailed) {
				return err
			}
			r.appendErr(fmt.Sprintf("iteration %d: tournament failed, using score ranking", it))
			o.emitStep(r, "rank", "degraded", "tournament failed, falling back to score", it)
			ranked = RankByScore(cands)
		}
	default:
		ranked = RankByScore(cands)
	}

	// Ranked events go out only after the whole ordering resolved, rank 1
	// first, so the rank-1 event marks a settled round.
	for _, c := range ranked {
		ev := emit.New(r.job.ID, emit.TypeRanked)
		ev.Ranked = &emit.RankedPayload{
			Iteration:   it,
			Rank:        c.Ranking.IterationRank,
			CandidateID: c.ID,
			Tied:        c.Ranking.Tied,
			Reason:      c.Ranking.Reason,
			Wins:        c.Ranking.Wins,
			TotalPairs:  c.Ranking.TotalPairs,
		}
		o.publish(r.job.ID, ev)
	}
	o.emitStep(r, "rank", "finished", "", it)
	return nil
}

func (o *Orchestrator) rankVLM(r *run, it int, cands []*Candidate) ([]*Candidate, error) {
	params := r.job.Params

	// A provider with a native batch ranker skips the local tournament.
	if nr, ok := provider.SupportsRank(o.Providers.VLM); ok {
		return o.rankNative(r, it, cands, nr)
	}

	tour := &Tournament{
		VLM:          gatedVLM{o: o, r: r},
		EnsembleSize: params.EnsembleSize,
		OnPair: func(outcome PairOutcome, done, total int) {
			o.Metrics.IncPair(string(outcome))
			o.emitStep(r, "rank", "progress", fmt.Sprintf("%d/%d pairs", done, total), it)
		},
	}
	ranked, failures, err := tour.Run(r.ctx, cands, params.Prompt)
	for _, f := range failures {
		r.appendErr(fmt.Sprintf("iteration %d: pair %s", it, f))
	}
	return ranked, err
}

// rankNative delegates ordering to the provider's own ranker, mapping the
// returned index order onto iteration ranks.
func (o *Orchestrator) rankNative(r *run, it int, cands []*Candidate, nr provider.NativeRanker) ([]*Candidate, error) {
	active := make([]*Candidate, 0, len(cands))
	images := make([]string, 0, len(cands))
	for _, c := range cands {
		if !c.Failed {
			active = append(active, c)
			images = append(images, c.ImageRef())
		}
	}

	var res provider.RankResult
	err := o.upstream(r.ctx, CapabilityVLM, func(ctx context.Context) error {
		var err error
		res, err = nr.Rank(ctx, images, r.job.Params.Prompt, provider.RankOptions{
			EnsembleSize:        r.job.Params.EnsembleSize,
			GracefulDegradation: true,
			OnProgress: func(done, total int) {
				o.emitStep(r, "rank", "progress", fmt.Sprintf("%d/%d", done, total), it)
			},
		})
		return err
	})
	if err != nil {
		return nil, ErrAllPairsFailed
	}
	for _, e := range res.Errors {
		r.appendErr(fmt.Sprintf("iteration %d: %s", it, e))
	}

	ranked := make([]*Candidate, 0, len(res.Order))
	for rank, idx := range res.Order {
		if idx < 0 || idx >= len(active) {
			continue
		}
		c := active[idx]
		c.Ranking.IterationRank = rank + 1
		c.Ranking.Reason = "provider ranking"
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return nil, ErrAllPairsFailed
	}
	return ranked, nil
}

// selectSurvivors marks the top M candidates, publishes their updated state,
// and closes the iteration.
func (o *Orchestrator) selectSurvivors(r *run, it int) {
	params := r.job.Params
	cands := r.iterations[it]

	ranked := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Failed && c.Ranking.IterationRank > 0 {
			ranked = append(ranked, c)
		}
	}
	// Ranking already assigned 1..n; order by it and keep the top M.
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Ranking.IterationRank < ranked[j].Ranking.IterationRank
	})
	survivors := ranked
	if len(survivors) > params.M {
		survivors = survivors[:params.M]
	}

	survivorIDs := make([]string, 0, len(survivors))
	for _, c := range survivors {
		c.Survived = true
		survivorIDs = append(survivorIDs, c.ID)
	}
	for _, c := range ranked {
		o.emitCandidate(r, c)
	}
	r.survivors = survivors

	r.records = append(r.records, IterationRecord{
		Iteration:   it,
		Candidates:  cands,
		SurvivorIDs: survivorIDs,
		DurationMS:  time.Since(r.iterStart).Milliseconds(),
	})

	ev := emit.New(r.job.ID, emit.TypeIteration)
	ev.Iteration = &emit.IterationPayload{
		Iteration:      it,
		MaxIterations:  params.MaxIterations,
		Candidates:     len(cands),
		Survivors:      len(survivors),
		RunningCostUSD: r.tracker.TotalUSD(),
	}
	o.publish(r.job.ID, ev)
}

// finalize computes the global ranking and lineage, persists metadata, and
// publishes the complete event.
func (o *Orchestrator) finalize(r *run) error {
	global := GlobalRanking(r.iterations)
	if len(global) == 0 {
		return &SearchError{Message: "no candidates to rank globally", Code: "NO_CANDIDATES"}
	}

	entries := make([]emit.GlobalRankEntry, 0, len(global))
	for _, c := range global {
		entries = append(entries, emit.GlobalRankEntry{
			Rank:        c.Ranking.GlobalRank,
			CandidateID: c.ID,
			Iteration:   c.Iteration,
			TotalScore:  c.TotalScore,
		})
	}
	gev := emit.New(r.job.ID, emit.TypeGlobalRanking)
	gev.GlobalRanking = &emit.GlobalRankingPayload{Ranking: entries}
	o.publish(r.job.ID, gev)

	winner := global[0]
	meta := o.buildMetadata(r, StatusComplete, winner)

	if o.Persist != nil {
		if _, err := o.Persist.SaveMetadata(context.Background(), meta); err != nil {
			return &SearchError{Message: "failed to persist metadata", Code: "PERSIST_FAILED", Err: err}
		}
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return &SearchError{Message: "failed to encode metadata", Code: "ENCODE_FAILED", Err: err}
	}
	ev := emit.New(r.job.ID, emit.TypeComplete)
	ev.Complete = &emit.CompletePayload{Metadata: raw}
	o.publish(r.job.ID, ev)

	o.Metrics.IncJob(StatusComplete)
	o.Registry.Finish(context.Background(), r.job, StatusComplete, ev, store.JobRecord{
		Prompt:   r.job.Params.Prompt,
		WinnerID: winner.ID,
		CostUSD:  r.tracker.TotalUSD(),
		Metadata: raw,
	})
	return nil
}

func (o *Orchestrator) buildMetadata(r *run, status Status, winner *Candidate) *Metadata {
	meta := &Metadata{
		JobID:        r.job.ID,
		SessionID:    r.sessionID,
		UserPrompt:   r.job.Params.Prompt,
		Status:       status,
		Config:       r.job.Params,
		Iterations:   r.records,
		Costs:        r.tracker.Totals(),
		Errors:       r.errs,
		Optimization: r.tracker.OptimizationReport(),
		CreatedAt:    r.job.CreatedAt,
		FinishedAt:   time.Now(),
	}
	if winner != nil {
		meta.FinalWinner = &WinnerRef{Iteration: winner.Iteration, CandidateID: winner.ID}
		meta.Lineage = BuildLineage(Lineage(r.byID, winner))
	}
	return meta
}

// finishCancelled publishes the cancelled event and, when at least one
// iteration completed, persists a truncated metadata record.
func (o *Orchestrator) finishCancelled(r *run) {
	completed := len(r.records)

	ev := emit.New(r.job.ID, emit.TypeCancelled)
	ev.Cancelled = &emit.CancelledPayload{
		Reason:              "cancelled by request",
		CompletedIterations: completed,
	}
	o.publish(r.job.ID, ev)

	var raw []byte
	if completed > 0 {
		var winner *Candidate
		if global := GlobalRanking(r.iterations[:completed]); len(global) > 0 {
			winner = global[0]
		}
		meta := o.buildMetadata(r, StatusCancelled, winner)
		if o.Persist != nil {
			if _, err := o.Persist.SaveMetadata(context.Background(), meta); err != nil {
				r.appendErr(fmt.Sprintf("persist after cancel: %v", err))
			}
		}
		raw, _ = json.Marshal(meta)
	}

	o.Metrics.IncJob(StatusCancelled)
	o.Registry.Finish(context.Background(), r.job, StatusCancelled, ev, store.JobRecord{
		Prompt:   r.job.Params.Prompt,
		CostUSD:  r.tracker.TotalUSD(),
		Metadata: raw,
	})
}

func (o *Orchestrator) finishFailed(r *run, cause error) {
	code := "INTERNAL"
	var se *SearchError
	if errors.As(cause, &se) && se.Code != "" {
		code = se.Code
	}
	var ua *UpstreamUnavailableError
	if errors.As(cause, &ua) {
		code = "UPSTREAM_UNAVAILABLE"
	}

	ev := emit.New(r.job.ID, emit.TypeError)
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	ev.Error = &emit.ErrorPayload{Message: msg, Code: code}
	o.publish(r.job.ID, ev)

	o.Metrics.IncJob(StatusFailed)
	o.Registry.Finish(context.Background(), r.job, StatusFailed, ev, store.JobRecord{
		Prompt:  r.job.Params.Prompt,
		CostUSD: r.tracker.TotalUSD(),
	})
}

func (r *run) appendErr(s string) {
	r.mu.Lock()
	r.errs = append(r.errs, s)
	r.mu.Unlock()
}

func (r *run) track(c *Candidate) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

func (r *run) untrack(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// gatedVLM routes tournament comparisons through the VLM gate and retry
// wrapper, recording usage per call.
type gatedVLM struct {
	o *Orchestrator
	r *run
}

func (g gatedVLM) Compare(ctx context.Context, imageA, imageB, prompt string) (provider.Comparison, error) {
	var cmp provider.Comparison
	err := g.o.upstream(ctx, CapabilityVLM, func(ctx context.Context) error {
		var err error
		cmp, err = g.o.Providers.VLM.Compare(ctx, imageA, imageB, prompt)
		if err != nil {
			return err
		}
		g.o.record(g.r, CapabilityVLM, "compare", "", cmp.Usage, 0, "")
		return nil
	})
	return cmp, err
}
