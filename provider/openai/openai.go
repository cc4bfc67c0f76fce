// Package openai adapts the OpenAI API to the provider capability
// interfaces: chat completions for prompt refinement and vision scoring, and
// the Images API for candidate generation.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/beamgen-go/beam"
	"github.com/dshills/beamgen-go/provider"
)

// Default model ids, overridable per call.
const (
	DefaultTextModel   = "gpt-4o-mini"
	DefaultVisionModel = "gpt-4o"
	DefaultImageModel  = "dall-e-3"
)

// Client wraps one authenticated SDK client shared by the capability
// adapters.
type Client struct {
	api *openaisdk.Client
}

// NewClient creates a client from an API key. An optional base URL points at
// a compatible local endpoint.
func NewClient(apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, &beam.ConfigurationError{Provider: "openai", Missing: "api key"}
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	api := openaisdk.NewClient(opts...)
	return &Client{api: &api}, nil
}

// mapError classifies SDK errors. Transport-level failures become
// *beam.ConnError so the retry layer acts on them; content-policy refusals
// become *provider.ContentPolicyError; everything else passes through.
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

	if strings.Contains(lowerErr, "content_policy_violation") ||
		strings.Contains(lowerErr, "safety system") ||
		strings.Contains(lowerErr, "content policy") {
		return &provider.ContentPolicyError{Message: err.Error()}
	}

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

// imageAsURL turns an image reference into something the chat API accepts:
// http(s) URLs pass through, local paths are inlined as data URLs.
func imageAsURL(image string) (string, error) {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") ||
		strings.HasPrefix(image, "data:") {
		return image, nil
	}
	data, err := os.ReadFile(image)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", image, err)
	}
	return "data:" + mimeForPath(image) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
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
