package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON unmarshals the JSON object in content into v. Markdown code
// fences and prose around the object are ignored.
func DecodeJSON(content string, v any) error {
	body := strings.TrimSpace(content)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	start := strings.IndexAny(body, "{[")
	end := strings.LastIndexAny(body, "}]")
	if start < 0 || end < start {
		return fmt.Errorf("no json object in model output")
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
