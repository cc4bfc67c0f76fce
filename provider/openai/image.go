package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go"

	"github.com/dshills/beamgen-go/provider"
)

// ImageProvider generates candidate images through the Images API.
type ImageProvider struct {
	client *Client
	model  string
}

// NewImageProvider creates an image provider with an optional default model.
func NewImageProvider(client *Client, model string) *ImageProvider {
	if model == "" {
		model = DefaultImageModel
	}
	return &ImageProvider{client: client, model: model}
}

// Generate renders one image and returns its hosted URL.
func (p *ImageProvider) Generate(ctx context.Context, prompt string, opts provider.ImageOptions) (provider.ImageResult, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	params := openaisdk.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openaisdk.ImageModel(model),
		N:              openaisdk.Int(1),
		ResponseFormat: openaisdk.ImageGenerateParamsResponseFormatURL,
		Size:           sizeFor(opts.Width, opts.Height),
	}

	resp, err := p.client.api.Images.Generate(ctx, params)
	if err != nil {
		return provider.ImageResult{}, mapError(err)
	}
	if len(resp.Data) == 0 {
		return provider.ImageResult{}, errors.New("no image in OpenAI response")
	}

	img := resp.Data[0]
	return provider.ImageResult{
		URL:           img.URL,
		RevisedPrompt: img.RevisedPrompt,
		Metadata: map[string]any{
			"candidateId": opts.CandidateID,
			"sessionId":   opts.SessionID,
			"iteration":   opts.Iteration,
		},
		Usage: provider.Usage{Model: model},
	}, nil
}

// sizeFor maps requested dimensions onto the closest supported size. The API
// accepts a fixed set; anything unspecified gets the square default.
func sizeFor(width, height int) openaisdk.ImageGenerateParamsSize {
	switch fmt.Sprintf("%dx%d", width, height) {
	case "1792x1024":
		return openaisdk.ImageGenerateParamsSize1792x1024
	case "1024x1792":
		return openaisdk.ImageGenerateParamsSize1024x1792
	case "512x512":
		return openaisdk.ImageGenerateParamsSize512x512
	case "256x256":
		return openaisdk.ImageGenerateParamsSize256x256
	default:
		return openaisdk.ImageGenerateParamsSize1024x1024
	}
}
