package beam

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Usage is one upstream call's resource consumption, as reported by the
// provider adapter.
type Usage struct {
	Provider  string
	Operation string // refine, combine, rephrase, generate, analyze, compare
	Model     string
	Dimension string // what/how for refine calls, else ""

	InputTokens  int
	OutputTokens int
	Images       int
}

// Pricing is the cost model for one provider/model pair.
type Pricing struct {
	InputPer1M  float64 `json:"inputPer1M"`
	OutputPer1M float64 `json:"outputPer1M"`
	PerImage    float64 `json:"perImage"`
}

// PricingTable maps "provider/model" keys to pricing. A bare provider key
// acts as the family fallback.
type PricingTable map[string]Pricing

// DefaultPricing returns a table seeded with common hosted models. Local
// services price at zero.
func DefaultPricing() PricingTable {
	return PricingTable{
		"openai/gpt-4o":              {InputPer1M: 2.50, OutputPer1M: 10.00},
		"openai/gpt-4o-mini":         {InputPer1M: 0.15, OutputPer1M: 0.60},
		"openai/dall-e-3":            {PerImage: 0.040},
		"openai/gpt-image-1":         {PerImage: 0.042},
		"anthropic/claude-sonnet-4":  {InputPer1M: 3.00, OutputPer1M: 15.00},
		"anthropic/claude-haiku-3-5": {InputPer1M: 0.80, OutputPer1M: 4.00},
		"google/gemini-2.0-flash":    {InputPer1M: 0.10, OutputPer1M: 0.40},
		"openai":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
		"anthropic":                  {InputPer1M: 3.00, OutputPer1M: 15.00},
		"google":                     {InputPer1M: 0.10, OutputPer1M: 0.40},
		"local":                      {},
	}
}

// lookup resolves pricing by provider/model, falling back to the provider
// family, then zero.
func (t PricingTable) lookup(provider, model string) Pricing {
	if p, ok := t[provider+"/"+model]; ok {
		return p
	}
	if p, ok := t[provider]; ok {
		return p
	}
	return Pricing{}
}

// CostBuckets is the per-concern cost breakdown carried in events and
// metadata.
type CostBuckets struct {
	Text     float64 `json:"text"`
	Vision   float64 `json:"vision"`
	ImageGen float64 `json:"imageGen"`
}

// Total sums the buckets.
func (b CostBuckets) Total() float64 { return b.Text + b.Vision + b.ImageGen }

// bucketFor maps an operation name to its cost bucket.
func bucketFor(operation string) string {
	switch operation {
	case "refine", "combine", "rephrase":
		return "text"
	case "analyze", "compare":
		return "vision"
	case "generate":
		return "imageGen"
	}
	return "text"
}

// opTotals aggregates spend and tokens for one operation name.
type opTotals struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// TokenTracker accumulates usage and cost across one job. Safe for
// concurrent use by the expand/evaluate/rank goroutines.
type TokenTracker struct {
	mu      sync.Mutex
	pricing PricingTable
	buckets CostBuckets
	byOp    map[string]*opTotals
	records []Usage
}

// NewTokenTracker creates a tracker using the given pricing table. A nil
// table uses DefaultPricing.
func NewTokenTracker(pricing PricingTable) *TokenTracker {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &TokenTracker{
		pricing: pricing,
		byOp:    make(map[string]*opTotals),
	}
}

// Record books one usage sample and returns the running total cost in USD.
func (t *TokenTracker) Record(u Usage) float64 {
	p := t.pricing.lookup(u.Provider, u.Model)
	cost := float64(u.InputTokens)/1e6*p.InputPer1M +
		float64(u.OutputTokens)/1e6*p.OutputPer1M +
		float64(u.Images)*p.PerImage

	t.mu.Lock()
	defer t.mu.Unlock()

	switch bucketFor(u.Operation) {
	case "text":
		t.buckets.Text += cost
	case "vision":
		t.buckets.Vision += cost
	case "imageGen":
		t.buckets.ImageGen += cost
	}

	ot := t.byOp[u.Operation]
	if ot == nil {
		ot = &opTotals{}
		t.byOp[u.Operation] = ot
	}
	ot.Calls++
	ot.InputTokens += u.InputTokens
	ot.OutputTokens += u.OutputTokens
	ot.CostUSD += cost

	t.records = append(t.records, u)
	return t.buckets.Total()
}

// Totals returns the current bucket breakdown.
func (t *TokenTracker) Totals() CostBuckets {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets
}

// TotalUSD returns the running total across buckets.
func (t *TokenTracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets.Total()
}

// Summary renders a one-line human-readable cost summary.
func (t *TokenTracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("total $%.4f (text $%.4f, vision $%.4f, imageGen $%.4f)",
		t.buckets.Total(), t.buckets.Text, t.buckets.Vision, t.buckets.ImageGen)
}

// Optimization report thresholds.
const (
	reportTokenHeavyCall = 4000 // avg input tokens per call
	reportDominantShare  = 0.9  // share of text spend under one operation
)

// OptimizationReport inspects recorded usage and returns actionable cost
// observations. Empty when nothing stands out.
func (t *TokenTracker) OptimizationReport() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var notes []string

	ops := make([]string, 0, len(t.byOp))
	for op := range t.byOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	textSpend := t.buckets.Text
	for _, op := range ops {
		ot := t.byOp[op]
		if ot.Calls == 0 {
			continue
		}
		avgIn := ot.InputTokens / ot.Calls
		if avgIn > reportTokenHeavyCall {
			notes = append(notes, fmt.Sprintf(
				"%s calls average %d input tokens; consider trimming the critique context", op, avgIn))
		}
		if bucketFor(op) == "text" && textSpend > 0 && ot.CostUSD/textSpend > reportDominantShare {
			notes = append(notes, fmt.Sprintf(
				"%.0f%% of text spend is %s; a cheaper model tier for this operation would cut cost most",
				100*ot.CostUSD/textSpend, op))
		}
	}
	return notes
}

// Operations returns per-operation totals, keyed by operation name.
func (t *TokenTracker) Operations() map[string]opTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]opTotals, len(t.byOp))
	for op, ot := range t.byOp {
		out[op] = *ot
	}
	return out
}

// DescribeUsage formats a usage sample for step-event detail strings.
func DescribeUsage(u Usage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s %s", u.Provider, u.Model, u.Operation)
	if u.Dimension != "" {
		fmt.Fprintf(&sb, " (%s)", u.Dimension)
	}
	if u.InputTokens+u.OutputTokens > 0 {
		fmt.Fprintf(&sb, " in=%d out=%d", u.InputTokens, u.OutputTokens)
	}
	if u.Images > 0 {
		fmt.Fprintf(&sb, " images=%d", u.Images)
	}
	return sb.String()
}
