package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/beamgen-go/provider"
)

// VisionProvider scores candidate images with a multimodal chat model in
// JSON mode.
type VisionProvider struct {
	client *Client
	model  string
}

// NewVisionProvider creates a vision provider with an optional default
// model.
func NewVisionProvider(client *Client, model string) *VisionProvider {
	if model == "" {
		model = DefaultVisionModel
	}
	return &VisionProvider{client: client, model: model}
}

const analyzeSystem = `You evaluate generated images against the prompt that requested them. Respond with a JSON object: {"alignment": 0-100 integer for prompt adherence, "aesthetic": 0-10 number for visual quality, "caption": one sentence describing the image, "strengths": array of short strings, "weaknesses": array of short strings}.`

// Analyze scores one image against the user prompt.
func (p *VisionProvider) Analyze(ctx context.Context, image, prompt string, opts provider.AnalyzeOptions) (provider.Analysis, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	url, err := imageAsURL(image)
	if err != nil {
		return provider.Analysis{}, err
	}

	user := "Prompt the image was generated from: " + prompt
	if len(opts.FocusAreas) > 0 {
		user += "\nFocus the evaluation on: " + strings.Join(opts.FocusAreas, ", ")
	}

	completion, err := p.client.api.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openaisdk.ChatCompletionSystemMessageParam{
					Content: openaisdk.ChatCompletionSystemMessageParamContentUnion{
						OfString: openaisdk.String(analyzeSystem),
					},
				},
			},
			{
				OfUser: &openaisdk.ChatCompletionUserMessageParam{
					Content: openaisdk.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openaisdk.ChatCompletionContentPartUnionParam{
							{
								OfText: &openaisdk.ChatCompletionContentPartTextParam{Text: user},
							},
							{
								OfImageURL: &openaisdk.ChatCompletionContentPartImageParam{
									ImageURL: openaisdk.ChatCompletionContentPartImageImageURLParam{URL: url},
								},
							},
						},
					},
				},
			},
		},
		ResponseFormat: openaisdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openaisdk.Ptr(shared.NewResponseFormatJSONObjectParam()),
		},
	})
	if err != nil {
		return provider.Analysis{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return provider.Analysis{}, errors.New("no response from OpenAI API")
	}

	analysis, err := parseAnalysis(completion.Choices[0].Message.Content)
	if err != nil {
		return provider.Analysis{}, err
	}
	analysis.Usage = provider.Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Model:        model,
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
