// Package llm turns a case prompt, optionally with an image, into generated
// text through an OpenAI-compatible completion endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrEmptyCompletion = errors.New("completion returned no text")
)

const systemPrompt = `You are a clinical risk assistant helping clinicians document patient cases.
Point out documentation gaps, missing informed-consent steps, and follow-up actions that reduce malpractice exposure.
Be concise and do not invent patient facts.`

// Request is one synchronous completion call.
type Request struct {
	Prompt      string
	ImageBase64 string
}

type Response struct {
	Text string
}

// Completer is what the chat orchestration calls.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client calls a langchaingo model.
type Client struct {
	model   llms.Model
	timeout time.Duration
}

var _ Completer = (*Client)(nil)

func NewClient(baseURL, token, model string, timeout time.Duration) (*Client, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("init completion client: %w", err)
	}
	return NewClientWithModel(llm, timeout), nil
}

func NewClientWithModel(model llms.Model, timeout time.Duration) *Client {
	return &Client{model: model, timeout: timeout}
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Response{}, ErrEmptyPrompt
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.model.GenerateContent(ctx, BuildMessages(req))
	if err != nil {
		return Response{}, fmt.Errorf("generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{Text: strings.TrimSpace(resp.Choices[0].Content)}, nil
}

// BuildMessages renders a request as a system message followed by one human
// message; an image rides along as a data URL part.
func BuildMessages(req Request) []llms.MessageContent {
	parts := []llms.ContentPart{llms.TextPart(strings.TrimSpace(req.Prompt))}
	if image := strings.TrimSpace(req.ImageBase64); image != "" {
		parts = append(parts, llms.ImageURLPart(imageDataURL(image)))
	}
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}
}

func imageDataURL(image string) string {
	if strings.HasPrefix(image, "data:") {
		return image
	}
	return "data:image/jpeg;base64," + image
}
