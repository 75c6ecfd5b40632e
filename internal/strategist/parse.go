package strategist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/weftlabs/weft/internal/llm"
)

func userMessage(text string) llm.Message {
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text))
}

// unmarshalJSONObject tolerantly extracts the first {...} object out of
// a model response (stripping markdown fences and any surrounding
// prose) and unmarshals it into v.
func unmarshalJSONObject(s string, v any) error {
	s = stripFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		preview := s
		if len(preview) > 300 {
			preview = preview[:300] + "..."
		}
		return fmt.Errorf("no JSON object found in response: %q", preview)
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
