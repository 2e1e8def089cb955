package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient answers without a network call. It is selected in development
// and in tests.
type MockClient struct{}

var _ Completer = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Response{}, ErrEmptyPrompt
	}

	last := prompt
	if idx := strings.LastIndex(prompt, "\n"); idx >= 0 {
		last = strings.TrimSpace(prompt[idx+1:])
	}
	if len(last) > 80 {
		last = last[:80] + "..."
	}

	text := fmt.Sprintf("[mock] Reviewed case note: %q. Document consent, differential diagnosis, and follow-up plan.", last)
	if req.ImageBase64 != "" {
		text += " An image was attached and should be described in the chart."
	}
	return Response{Text: text}, nil
}
