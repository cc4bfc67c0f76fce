// Package anthropic adapts the Claude API to the pairwise VLM comparison
// interface used for tournament ranking.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/beamgen-go/beam"
	"github.com/dshills/beamgen-go/provider"
)

// DefaultModel is used when no model override is configured.
const DefaultModel = "claude-3-5-sonnet-20241022"

// VLMProvider judges image pairs with Claude's multimodal messages API.
type VLMProvider struct {
	client *anthropicsdk.Client
	model  string
}

// NewVLMProvider creates a provider from an API key and optional model
// override.
func NewVLMProvider(apiKey, model string) (*VLMProvider, error) {
	if apiKey == "" {
		return nil, &beam.ConfigurationError{Provider: "anthropic", Missing: "api key"}
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &VLMProvider{client: &client, model: model}, nil
}

const comparePrompt = `Two generated images follow, labeled A (first) and B (second). Both were generated from this prompt:

%s

Judge which image better serves the prompt, weighing prompt adherence first and visual quality second. Respond with a JSON object only:
{"choice": "A" or "B", "ranks": {"a": {"alignment": 0-100, "aesthetics": 0-10}, "b": {"alignment": 0-100, "aesthetics": 0-10}}, "winnerStrengths": [short strings], "loserWeaknesses": [short strings], "confidence": 0-1}`

// Compare judges one image pair against the prompt.
func (p *VLMProvider) Compare(ctx context.Context, imageA, imageB, prompt string) (provider.Comparison, error) {
	blockA, err := imageBlock(ctx, imageA)
	if err != nil {
		return provider.Comparison{}, err
	}
	blockB, err := imageBlock(ctx, imageB)
	if err != nil {
		return provider.Comparison{}, err
	}

	message, err := p.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.model),
		MaxTokens: 1024,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(
				anthropicsdk.NewTextBlock(fmt.Sprintf(comparePrompt, prompt)),
				blockA,
				blockB,
			),
		},
	})
	if err != nil {
		return provider.Comparison{}, mapError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	cmp, err := parseComparison(text.String())
	if err != nil {
		return provider.Comparison{}, err
	}
	cmp.Usage = provider.Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		Model:        p.model,
	}
	return cmp, nil
}

func parseComparison(content string) (provider.Comparison, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw struct {
		Choice string `json:"choice"`
		Ranks  struct {
			A struct {
				Alignment  float64 `json:"alignment"`
				Aesthetics float64 `json:"aesthetics"`
			} `json:"a"`
			B struct {
				Alignment  float64 `json:"alignment"`
				Aesthetics float64 `json:"aesthetics"`
			} `json:"b"`
		} `json:"ranks"`
		WinnerStrengths []string `json:"winnerStrengths"`
		LoserWeaknesses []string `json:"loserWeaknesses"`
		Confidence      float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return provider.Comparison{}, fmt.Errorf("failed to parse comparison response: %w", err)
	}

	choice := strings.ToUpper(strings.TrimSpace(raw.Choice))
	if choice != "A" && choice != "B" {
		return provider.Comparison{}, fmt.Errorf("comparison choice %q is not A or B", raw.Choice)
	}
	return provider.Comparison{
		Choice: choice,
		Ranks: provider.ComparisonRanks{
			A: provider.SideRank{Alignment: raw.Ranks.A.Alignment, Aesthetics: raw.Ranks.A.Aesthetics},
			B: provider.SideRank{Alignment: raw.Ranks.B.Alignment, Aesthetics: raw.Ranks.B.Aesthetics},
		},
		WinnerStrengths: raw.WinnerStrengths,
		LoserWeaknesses: raw.LoserWeaknesses,
		Confidence:      raw.Confidence,
	}, nil
}

// imageBlock loads an image reference (path or URL) into a base64 content
// block.
func imageBlock(ctx context.Context, image string) (anthropicsdk.ContentBlockParamUnion, error) {
	data, mediaType, err := fetchImage(ctx, image)
	if err != nil {
		return anthropicsdk.ContentBlockParamUnion{}, err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return anthropicsdk.NewImageBlockBase64(mediaType, encoded), nil
}

func fetchImage(ctx context.Context, image string) ([]byte, string, error) {
	if !strings.HasPrefix(image, "http://") && !strings.HasPrefix(image, "https://") {
		data, err := os.ReadFile(image)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image %s: %w", image, err)
		}
		return data, mimeForPath(image), nil
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
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" || !strings.HasPrefix(mediaType, "image/") {
		mediaType = mimeForPath(image)
	}
	return data, mediaType, nil
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
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
