package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/beamgen-go/provider"
)

// TextProvider implements prompt refinement, combination, and safety
// rephrasing over chat completions.
type TextProvider struct {
	client *Client
	model  string
}

// NewTextProvider creates a text provider with an optional default model.
func NewTextProvider(client *Client, model string) *TextProvider {
	if model == "" {
		model = DefaultTextModel
	}
	return &TextProvider{client: client, model: model}
}

const refineWhatSystem = `You refine image generation prompts. You work on the WHAT dimension only: subjects, objects, scene content, composition. Never mention style, medium, lighting, or rendering technique. Respond with the refined prompt text only, no preamble, no quotes, no explanation.`

const refineHowSystem = `You refine image generation prompts. You work on the HOW dimension only: style, medium, lighting, color palette, rendering technique. Never change what is depicted. Respond with the refined prompt text only, no preamble, no quotes, no explanation.`

// Refine produces an improved prompt for one dimension.
func (p *TextProvider) Refine(ctx context.Context, prompt string, opts provider.RefineOptions) (provider.RefineResult, error) {
	system := refineWhatSystem
	if opts.Dimension == provider.DimensionHow {
		system = refineHowSystem
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Original user intent: %s\n", opts.UserPrompt)
	if prompt != "" {
		fmt.Fprintf(&sb, "Current %s prompt: %s\n", opts.Dimension, prompt)
	}
	if c := opts.Critique; c != nil {
		fmt.Fprintf(&sb, "Critique of the previous result: %s\n", c.Critique)
		fmt.Fprintf(&sb, "Recommendation: %s (%s)\n", c.Recommendation, c.Reason)
	}
	if prompt == "" {
		fmt.Fprintf(&sb, "Produce a strong %s prompt for this intent.", opts.Dimension)
	} else {
		fmt.Fprintf(&sb, "Produce an improved variation of the %s prompt.", opts.Dimension)
	}

	content, usage, err := p.complete(ctx, system, sb.String(), opts.Temperature, opts.Model)
	if err != nil {
		return provider.RefineResult{}, err
	}
	return provider.RefineResult{RefinedPrompt: stripPreamble(content), Usage: usage}, nil
}

const combineSystemTmpl = `You merge a content description (WHAT) and a style description (HOW) into a single image generation prompt. Target verbosity level %d of 3: 1 is one compact sentence, 2 is two or three sentences, 3 is a rich detailed paragraph. If either input is "(none)", work from the other alone. Respond with the merged prompt text only, no preamble, no quotes, no explanation.`

// Combine merges what/how prompts into one generation prompt.
func (p *TextProvider) Combine(ctx context.Context, what, how string, opts provider.CombineOptions) (provider.CombineResult, error) {
	if what == "" {
		what = "(none)"
	}
	if how == "" {
		how = "(none)"
	}
	level := opts.Descriptiveness
	if level < 1 || level > 3 {
		level = 2
	}

	user := fmt.Sprintf("WHAT: %s\nHOW: %s", what, how)
	content, usage, err := p.complete(ctx, fmt.Sprintf(combineSystemTmpl, level), user, opts.Temperature, opts.Model)
	if err != nil {
		return provider.CombineResult{}, err
	}
	return provider.CombineResult{CombinedPrompt: stripPreamble(content), Usage: usage}, nil
}

const rephraseSystem = `An image generation service refused a prompt on content policy grounds. Rewrite the prompt to preserve the creative intent while removing the likely trigger. Respond with the rewritten prompt text only, no preamble, no quotes, no explanation.`

// Rephrase rewrites a refused prompt.
func (p *TextProvider) Rephrase(ctx context.Context, prompt, refusalReason string) (provider.RefineResult, error) {
	user := fmt.Sprintf("Refused prompt: %s\nRefusal reason: %s", prompt, refusalReason)
	content, usage, err := p.complete(ctx, rephraseSystem, user, 0, "")
	if err != nil {
		return provider.RefineResult{}, err
	}
	return provider.RefineResult{RefinedPrompt: stripPreamble(content), Usage: usage}, nil
}

func (p *TextProvider) complete(ctx context.Context, system, user string, temperature float64, model string) (string, provider.Usage, error) {
	if model == "" {
		model = p.model
	}

	params := openaisdk.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openaisdk.ChatCompletionSystemMessageParam{
					Content: openaisdk.ChatCompletionSystemMessageParamContentUnion{
						OfString: openaisdk.String(system),
					},
				},
			},
			{
				OfUser: &openaisdk.ChatCompletionUserMessageParam{
					Content: openaisdk.ChatCompletionUserMessageParamContentUnion{
						OfString: openaisdk.String(user),
					},
				},
			},
		},
	}
	if temperature > 0 {
		params.Temperature = openaisdk.Float(temperature)
	}

	completion, err := p.client.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", provider.Usage{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return "", provider.Usage{}, errors.New("no response from OpenAI API")
	}

	usage := provider.Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Model:        model,
	}
	return completion.Choices[0].Message.Content, usage, nil
}

// preamblePrefixes are conversational lead-ins models prepend despite
// instructions.
var preamblePrefixes = []string{
	"improved what tags:",
	"improved how tags:",
	"improved prompt:",
	"refined prompt:",
	"combined prompt:",
	"here is the refined prompt:",
	"here's the refined prompt:",
	"sure, here is the prompt:",
	"prompt:",
}

// stripPreamble removes conversational wrappers from model output: known
// lead-in lines, surrounding quotes, markdown fences, and trailing
// explanation blocks.
func stripPreamble(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	lower := strings.ToLower(s)
	for _, prefix := range preamblePrefixes {
		if strings.HasPrefix(lower, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			lower = strings.ToLower(s)
		}
	}

	if idx := strings.Index(strings.ToLower(s), "\nexplanation:"); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}

	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}
