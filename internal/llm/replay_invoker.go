package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
)

// ReplayInvoker returns a scripted sequence of responses, one per call,
// so worker-loop tests can exercise multi-turn tool-use conversations
// without a network call.
type ReplayInvoker struct {
	mu        sync.Mutex
	responses []Response
	calls     []ReplayCall
}

// ReplayCall records the arguments of one Invoke call for assertions.
type ReplayCall struct {
	SystemPrompt string
	Messages     []Message
	Tools        []anthropic.ToolUnionParam
}

// NewReplayInvoker returns an invoker that yields responses in order,
// one per Invoke call.
func NewReplayInvoker(responses ...Response) *ReplayInvoker {
	return &ReplayInvoker{responses: responses}
}

func (r *ReplayInvoker) Invoke(ctx context.Context, systemPrompt string, messages []Message, tools []anthropic.ToolUnionParam) (Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, ReplayCall{SystemPrompt: systemPrompt, Messages: messages, Tools: tools})
	if len(r.responses) == 0 {
		return Response{}, fmt.Errorf("replay invoker exhausted after %d calls", len(r.calls))
	}
	next := r.responses[0]
	r.responses = r.responses[1:]
	return next, nil
}

// Calls returns every recorded Invoke call so far.
func (r *ReplayInvoker) Calls() []ReplayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReplayCall(nil), r.calls...)
}

var _ Invoker = (*ReplayInvoker)(nil)
