package llm

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

const ModeMock = "MOCK"

// Options configure NewCompleter.
type Options struct {
	Mode    string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewCompleter returns a MockClient when Mode is MOCK or no API key is set,
// and a langchaingo client otherwise.
func NewCompleter(opts Options, logger *zap.Logger) (Completer, error) {
	if strings.EqualFold(opts.Mode, ModeMock) {
		logger.Info("llm mode is MOCK, using mock completion client")
		return NewMockClient(), nil
	}
	if opts.APIKey == "" {
		logger.Warn("no LLM API key configured, using mock completion client")
		return NewMockClient(), nil
	}
	client, err := NewClient(opts.BaseURL, opts.APIKey, opts.Model, opts.Timeout)
	if err != nil {
		return nil, err
	}
	logger.Info("llm completion client ready", zap.String("base_url", opts.BaseURL), zap.String("model", opts.Model))
	return client, nil
}
