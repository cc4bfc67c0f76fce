// Package google adapts Google's Gemini API to the vision scoring interface,
// as an alternative to the OpenAI vision adapter for deployments already on
// Google credentials.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/beamgen-go/beam"
	"github.com/dshills/beamgen-go/provider"
)

// DefaultModel is used when no model override is configured.
const DefaultModel = "gemini-2.0-flash"

// VisionProvider scores candidate images with a Gemini multimodal model.
type VisionProvider struct {
	apiKey string
	model  string
}

// NewVisionProvider creates a provider from an API key and optional model
// override.
func NewVisionProvider(apiKey, model string) (*VisionProvider, error) {
	if apiKey == "" {
		return nil, &beam.ConfigurationError{Provider: "google", Missing: "api key"}
	}
	if model == "" {
		model = DefaultModel
	}
	return &VisionProvider{apiKey: apiKey, model: model}, nil
}

const analyzePrompt = `Evaluate this generated image against the prompt that requested it:

%s

Respond with a JSON object only: {"alignment": 0-100 integer for prompt adherence, "aesthetic": 0-10 number for visual quality, "caption": one sentence describing the image, "strengths": array of short strings, "weaknesses": array of short strings}`

// Analyze scores one image against the user prompt.
func (p *VisionProvider) Analyze(ctx context.Context, image, prompt string, opts provider.AnalyzeOptions) (provider.Analysis, error) {
	modelName := opts.Model
	if modelName == "" {
		modelName = p.model
	}

	data, format, err := fetchImage(ctx, image)
	if err != nil {
		return provider.Analysis{}, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return provider.Analysis{}, mapError(err)
	}
	defer func() { _ = client.Close() }()

	model := client.GenerativeModel(modelName)

	text := fmt.Sprintf(analyzePrompt, prompt)
	if len(opts.FocusAreas) > 0 {
		text += "\nFocus the evaluation on: " + strings.Join(opts.FocusAreas, ", ")
	}

	resp, err := model.GenerateContent(ctx,
		genai.Text(text),
		genai.ImageData(format, data),
	)
	if err != nil {
		return provider.Analysis{}, mapError(err)
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}

	analysis, err := parseAnalysis(sb.String())
	if err != nil {
		return provider.Analysis{}, err
	}
	if resp.UsageMetadata != nil {
		analysis.Usage = provider.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			Model:        modelName,
		}
	} else {
		analysis.Usage = provider.Usage{Model: modelName}
	}
	return analysis, nil
}

func parseAnalysis(content string) (provider.Analysis, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw struct {
		Alignment  float64  `json:"alignment"`
		Aesthetic  float64  `json:"aesthetic"`
		Caption    string   `json:"caption"`
		Strengths  []string `json:"strengths"`
		Weaknesses []string `json:"weaknesses"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return provider.Analysis{}, fmt.Errorf("failed to parse vision response: %w", err)
	}
	if raw.Alignment < 0 || raw.Alignment > 100 {
		return provider.Analysis{}, fmt.Errorf("alignment score %.1f out of range", raw.Alignment)
	}
	if raw.Aesthetic < 0 || raw.Aesthetic > 10 {
		return provider.Analysis{}, fmt.Errorf("aesthetic score %.1f out of range", raw.Aesthetic)
	}
	return provider.Analysis{
		AlignmentScore: raw.Alignment,
		AestheticScore: raw.Aesthetic,
		Caption:        raw.Caption,
		Strengths:      raw.Strengths,
		Weaknesses:     raw.Weaknesses,
	}, nil
}

// fetchImage returns the raw bytes and genai format string ("png", "jpeg")
// for a path or URL reference.
func fetchImage(ctx context.Context, image string) ([]byte, string, error) {
	if !strings.HasPrefix(image, "http://") && !strings.HasPrefix(image, "https://") {
		data, err := os.ReadFile(image)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image %s: %w", image, err)
		}
		return data, formatForPath(image), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, image, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", mapError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch image %s: status %d", image, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, formatForPath(image), nil
}

func formatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".webp":
		return "webp"
	case ".gif":
		return "gif"
	default:
		return "png"
	}
}

// mapError classifies SDK and transport errors for the retry layer.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &beam.ConnError{Kind: beam.KindTimeout, Err: err}
	}

	lowerErr := strings.ToLower(err.Error())
	if strings.Contains(lowerErr, "connection refused") {
		return &beam.ConnError{Kind: beam.KindRefused, Err: err}
	}
	if strings.Contains(lowerErr, "no such host") ||
		strings.Contains(lowerErr, "network is unreachable") {
		return &beam.ConnError{Kind: beam.KindUnreachable, Err: err}
	}
	if strings.Contains(lowerErr, "timeout") ||
		strings.Contains(lowerErr, "timed out") {
		return &beam.ConnError{Kind: beam.KindTimeout, Err: err}
	}
	return err
}
