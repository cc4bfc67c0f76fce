package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockText is a scriptable TextProvider for tests. Unset function fields
// fall back to deterministic canned behavior.
type MockText struct {
	RefineFunc   func(ctx context.Context, prompt string, opts RefineOptions) (RefineResult, error)
	CombineFunc  func(ctx context.Context, what, how string, opts CombineOptions) (CombineResult, error)
	RephraseFunc func(ctx context.Context, prompt, refusalReason string) (RefineResult, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockText) bump(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

// Calls returns how many times the named operation ran.
func (m *MockText) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockText) Refine(ctx context.Context, prompt string, opts RefineOptions) (RefineResult, error) {
	m.bump("refine")
	if m.RefineFunc != nil {
		return m.RefineFunc(ctx, prompt, opts)
	}
	base := prompt
	if base == "" {
		base = opts.UserPrompt
	}
	return RefineResult{
		RefinedPrompt: fmt.Sprintf("%s [%s]", base, opts.Dimension),
		Usage:         Usage{InputTokens: 10, OutputTokens: 10, Model: "mock-text"},
	}, nil
}

func (m *MockText) Combine(ctx context.Context, what, how string, opts CombineOptions) (CombineResult, error) {
	m.bump("combine")
	if m.CombineFunc != nil {
		return m.CombineFunc(ctx, what, how, opts)
	}
	if what == "" {
		what = "(none)"
	}
	if how == "" {
		how = "(none)"
	}
	return CombineResult{
		CombinedPrompt: what + ", " + how,
		Usage:          Usage{InputTokens: 10, OutputTokens: 10, Model: "mock-text"},
	}, nil
}

func (m *MockText) Rephrase(ctx context.Context, prompt, refusalReason string) (RefineResult, error) {
	m.bump("rephrase")
	if m.RephraseFunc != nil {
		return m.RephraseFunc(ctx, prompt, refusalReason)
	}
	return RefineResult{
		RefinedPrompt: "softened: " + prompt,
		Usage:         Usage{InputTokens: 10, OutputTokens: 10, Model: "mock-text"},
	}, nil
}

// MockImage is a scriptable ImageGenProvider for tests.
type MockImage struct {
	GenerateFunc func(ctx context.Context, prompt string, opts ImageOptions) (ImageResult, error)

	mu    sync.Mutex
	count int
}

// Count returns how many Generate calls ran.
func (m *MockImage) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *MockImage) Generate(ctx context.Context, prompt string, opts ImageOptions) (ImageResult, error) {
	m.mu.Lock()
	m.count++
	n := m.count
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt, opts)
	}
	return ImageResult{
		URL:   fmt.Sprintf("mock://image/%s", opts.CandidateID),
		Usage: Usage{Model: "mock-image"},
		Metadata: map[string]any{
			"sequence": n,
		},
	}, nil
}

// MockBatchImage adds the batch capability on top of MockImage.
type MockBatchImage struct {
	MockImage
	BatchFunc func(ctx context.Context, reqs []ImageRequest) ([]ImageResult, error)
}

func (m *MockBatchImage) GenerateBatch(ctx context.Context, reqs []ImageRequest) ([]ImageResult, error) {
	if m.BatchFunc != nil {
		return m.BatchFunc(ctx, reqs)
	}
	out := make([]ImageResult, len(reqs))
	for i, req := range reqs {
		res, err := m.Generate(ctx, req.Prompt, req.Options)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

// MockVision is a scriptable VisionProvider for tests.
type MockVision struct {
	AnalyzeFunc func(ctx context.Context, image, prompt string, opts AnalyzeOptions) (Analysis, error)
}

func (m *MockVision) Analyze(ctx context.Context, image, prompt string, opts AnalyzeOptions) (Analysis, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, image, prompt, opts)
	}
	return Analysis{
		AlignmentScore: 75,
		AestheticScore: 7,
		Caption:        "mock analysis of " + image,
		Usage:          Usage{InputTokens: 20, OutputTokens: 20, Model: "mock-vision"},
	}, nil
}

// MockVLM is a scriptable VLMProvider for tests. The default judge always
// picks A.
type MockVLM struct {
	CompareFunc func(ctx context.Context, imageA, imageB, prompt string) (Comparison, error)
}

func (m *MockVLM) Compare(ctx context.Context, imageA, imageB, prompt string) (Comparison, error) {
	if m.CompareFunc != nil {
		return m.CompareFunc(ctx, imageA, imageB, prompt)
	}
	return Comparison{
		Choice:     "A",
		Confidence: 0.5,
		Usage:      Usage{InputTokens: 30, OutputTokens: 10, Model: "mock-vlm"},
	}, nil
}
