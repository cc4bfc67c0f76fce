// Package provider defines the capability interfaces the beam-search
// orchestrator consumes: text refinement, image generation, vision scoring,
// and pairwise VLM comparison.
//
// Each capability is a narrow interface. Optional capabilities (batched image
// generation, native ranking) are separate interfaces discovered through the
// feature-probe functions SupportsBatch and SupportsRank rather than runtime
// property detection.
package provider

import "context"

// Dimension values for TextProvider.Refine.
const (
	DimensionWhat = "what" // content refinement
	DimensionHow  = "how"  // style refinement
)

// Critique recommendation values produced by the core's critique builder and
// consumed by TextProvider implementations to steer the next refinement round.
const (
	RecommendPreserve      = "preserve"
	RecommendAdjustContent = "adjust-content"
	RecommendAdjustStyle   = "adjust-style"
	RecommendRework        = "rework"
)

// Usage reports token consumption for a single provider call.
type Usage struct {
	// InputTokens consumed by the request.
	InputTokens int

	// OutputTokens generated in the response.
	OutputTokens int

	// Model is the model identifier that served the call.
	Model string
}

// Critique is a structured steering signal derived from a parent candidate's
// evaluation. Providers fold it into the refinement prompt.
type Critique struct {
	// Critique is the human-readable assessment of the parent result.
	Critique string

	// Recommendation is one of the Recommend* constants.
	Recommendation string

	// Reason explains why the recommendation was chosen.
	Reason string
}

// RefineOptions configures a single refinement call.
type RefineOptions struct {
	// Dimension selects what to refine: DimensionWhat or DimensionHow.
	Dimension string

	// Critique steers refinement away from the parent's weaknesses.
	// Nil for seed (iteration 0) candidates.
	Critique *Critique

	// UserPrompt is the original user intent, passed so the provider can keep
	// refinements anchored to it.
	UserPrompt string

	// PriorResult carries the parent's prompt for the same dimension, when one
	// exists.
	PriorResult string

	// Temperature for sampling, 0-2. Zero means provider default.
	Temperature float64

	// Model overrides the provider's default model id when non-empty.
	Model string
}

// RefineResult is the output of TextProvider.Refine.
type RefineResult struct {
	RefinedPrompt string
	Usage         Usage
}

// CombineOptions configures prompt combination.
type CombineOptions struct {
	// Descriptiveness selects the combine template: 1 (terse) to 3 (verbose).
	Descriptiveness int

	// Temperature for sampling, 0-2. Zero means provider default.
	Temperature float64

	// Model overrides the provider's default model id when non-empty.
	Model string
}

// CombineResult is the output of TextProvider.Combine.
type CombineResult struct {
	CombinedPrompt string
	Usage          Usage
}

// TextProvider covers content/style refinement, prompt combination, and
// safety rephrasing.
//
// Implementations MUST strip conversational preambles ("Improved WHAT tags:",
// quote wrappers, trailing "Explanation:" blocks) from model output before
// returning.
type TextProvider interface {
	// Refine produces an improved prompt for one dimension (what/how).
	// Null-safe: an empty prompt seeds from opts.UserPrompt.
	Refine(ctx context.Context, prompt string, opts RefineOptions) (RefineResult, error)

	// Combine merges a what-prompt and a how-prompt into one generation
	// prompt. Empty inputs are tolerated with the sentinel "(none)".
	Combine(ctx context.Context, what, how string, opts CombineOptions) (CombineResult, error)

	// Rephrase rewrites a prompt that was refused by an image provider's
	// content filter, preserving intent while removing the likely trigger.
	Rephrase(ctx context.Context, prompt, refusalReason string) (RefineResult, error)
}

// ImageOptions configures a single image generation call.
type ImageOptions struct {
	Width    int
	Height   int
	Steps    int
	Guidance float64

	// Seed fixes the noise seed when >= 0. Negative means random.
	Seed int64

	NegativePrompt string

	// Face restoration pass-through.
	FixFaces            bool
	RestorationStrength float64 // 0-1
	FaceUpscale         int     // 1 or 2

	// LoRAs to apply, provider-interpreted.
	LoRAs []string

	// Attribution for session-directory layouts.
	Iteration   int
	CandidateID string
	SessionID   string

	// Model overrides the provider's default model id when non-empty.
	Model string

	// Extra is passed through to the provider verbatim (flux/modal/bfl
	// option sub-blocks).
	Extra map[string]any
}

// ImageResult is the output of one generation. Exactly one of URL or
// LocalPath is non-empty.
type ImageResult struct {
	URL           string
	LocalPath     string
	RevisedPrompt string
	Metadata      map[string]any
	Usage         Usage
}

// Ref returns whichever image reference is set.
func (r ImageResult) Ref() string {
	if r.URL != "" {
		return r.URL
	}
	return r.LocalPath
}

// ImageRequest pairs a prompt with its options for batched generation.
type ImageRequest struct {
	Prompt  string
	Options ImageOptions
}

// ImageGenProvider generates candidate images.
type ImageGenProvider interface {
	// Generate renders one image. A content-moderation refusal is reported
	// as a *ContentPolicyError so the orchestrator can attempt a safety
	// rephrase.
	Generate(ctx context.Context, prompt string, opts ImageOptions) (ImageResult, error)
}

// BatchImageGenerator is an optional capability: providers that can render a
// whole iteration in one upstream call implement it in addition to
// ImageGenProvider. Results MUST align with the request order.
type BatchImageGenerator interface {
	GenerateBatch(ctx context.Context, reqs []ImageRequest) ([]ImageResult, error)
}

// SupportsBatch probes an ImageGenProvider for the batch capability.
func SupportsBatch(p ImageGenProvider) (BatchImageGenerator, bool) {
	b, ok := p.(BatchImageGenerator)
	return b, ok
}

// AnalyzeOptions configures vision scoring.
type AnalyzeOptions struct {
	// FocusAreas narrows the evaluation (e.g. "composition", "lighting").
	FocusAreas []string

	// Model overrides the provider's default model id when non-empty.
	Model string
}

// Analysis is the output of VisionProvider.Analyze. Implementations MUST
// validate score ranges before returning.
type Analysis struct {
	AlignmentScore float64 // 0-100
	AestheticScore float64 // 0-10
	Caption        string
	Strengths      []string
	Weaknesses     []string
	Usage          Usage
}

// VisionProvider scores a generated image against the user prompt.
type VisionProvider interface {
	// Analyze accepts a URL or local path in image.
	Analyze(ctx context.Context, image, prompt string, opts AnalyzeOptions) (Analysis, error)
}

// Comparison is the outcome of one pairwise VLM judgment.
type Comparison struct {
	// Choice is "A" or "B".
	Choice string

	// Ranks carries the per-side sub-scores.
	Ranks ComparisonRanks

	WinnerStrengths []string
	LoserWeaknesses []string

	// Confidence in [0,1].
	Confidence float64

	Usage Usage
}

// ComparisonRanks holds the per-side alignment/aesthetics sub-scores of a
// pairwise judgment.
type ComparisonRanks struct {
	A SideRank
	B SideRank
}

// SideRank is one side's sub-scores in a pairwise judgment.
type SideRank struct {
	Alignment  float64
	Aesthetics float64
}

// VLMProvider performs pairwise image comparisons for tournament ranking.
// The all-pairs tournament itself (ensemble voting, transitive inference,
// graceful degradation) is driven by the orchestrator; providers only judge
// one pair at a time.
type VLMProvider interface {
	Compare(ctx context.Context, imageA, imageB, prompt string) (Comparison, error)
}

// RankProgress reports native-ranking progress to the orchestrator.
type RankProgress func(done, total int)

// RankOptions configures a native provider-side ranking run.
type RankOptions struct {
	EnsembleSize        int
	GracefulDegradation bool
	OnProgress          RankProgress
}

// RankResult is the output of a native provider-side ranking run.
type RankResult struct {
	// Order holds indexes into the input slice, best first.
	Order []int

	// Errors records failed pairs, for ranking metadata.
	Errors []string
}

// NativeRanker is an optional capability: a VLM provider that ranks a whole
// candidate set upstream in one call.
type NativeRanker interface {
	Rank(ctx context.Context, images []string, prompt string, opts RankOptions) (RankResult, error)
}

// SupportsRank probes a VLMProvider for the native-ranking capability.
func SupportsRank(p VLMProvider) (NativeRanker, bool) {
	r, ok := p.(NativeRanker)
	return r, ok
}

// ContentPolicyError reports a content-moderation refusal from an image
// provider. It is not retryable through the connection layer; the
// orchestrator handles it with a one-shot safety rephrase.
type ContentPolicyError struct {
	// Message is the provider's refusal reason, when available.
	Message string
}

func (e *ContentPolicyError) Error() string {
	if e.Message == "" {
		return "content policy: prompt refused by provider"
	}
	return "content policy: " + e.Message
}
