package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicInvoker calls the Anthropic Messages API directly, tracking
// cumulative token usage across every call it makes.
type AnthropicInvoker struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64

	mu                       sync.Mutex
	totalInput, totalOutput  int64
	calls                    int
}

// Config configures an AnthropicInvoker.
type Config struct {
	APIKey    string // falls back to ANTHROPIC_API_KEY
	Model     anthropic.Model
	MaxTokens int64
}

// NewAnthropicInvoker builds an invoker from cfg.
func NewAnthropicInvoker(cfg Config) (*AnthropicInvoker, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	return &AnthropicInvoker{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (a *AnthropicInvoker) Invoke(ctx context.Context, systemPrompt string, messages []Message, tools []anthropic.ToolUnionParam) (Response, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  messages,
		Tools:     tools,
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	a.mu.Lock()
	a.totalInput += resp.Usage.InputTokens
	a.totalOutput += resp.Usage.OutputTokens
	a.calls++
	a.mu.Unlock()

	out := Response{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		out.StopReason = StopToolUse
	case anthropic.StopReasonMaxTokens:
		out.StopReason = StopMaxTurns
	default:
		out.StopReason = StopEndTurn
	}

	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: variant.Input,
			})
		}
	}
	return out, nil
}

// Usage returns cumulative token counts and call count observed so far.
func (a *AnthropicInvoker) Usage() (input, output int64, calls int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalInput, a.totalOutput, a.calls
}

var _ Invoker = (*AnthropicInvoker)(nil)
