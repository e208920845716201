package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/newsfacts-pipeline/internal/llm"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// DefaultMaxChars bounds the content sent to the model.
const DefaultMaxChars = 8000

const extractSystemPrompt = "You are an expert named entity recognition system. Extract entities accurately and completely."

func extractPrompt(content, language string) string {
	return fmt.Sprintf(`Extract all named entities from this article in %s.

For each entity, provide:
1. text: the entity as named in the article
2. type: PERSON, ORGANIZATION, LOCATION, or OTHER
3. role: for persons their title or position, for organizations what they do

Article:
%s

Return a JSON object:
{"entities": [
  {"text": "Gavin Newsom", "type": "PERSON", "role": "Governor of California"},
  {"text": "California", "type": "LOCATION", "role": "State"}
]}

Rules:
- Only extract real entities, not punctuation, quotes or generic terms
- Include every person mentioned, even by last name only
- Include all organizations and locations
- Resolve coreferences (e.g. "Newsom" -> "Gavin Newsom")`, language, content)
}

type modelEntity struct {
	Text string `json:"text"`
	Type string `json:"type"`
	Role string `json:"role"`
}

// modelType maps model labels onto public entity types. OTHER is dropped.
func modelType(label string) (pipeline.EntityType, bool) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PERSON":
		return pipeline.EntityPerson, true
	case "ORGANIZATION", "ORG":
		return pipeline.EntityOrg, true
	case "LOCATION", "PLACE":
		return pipeline.EntityLocation, true
	default:
		return "", false
	}
}

// extractWithModel asks the language model for typed mentions.
func extractWithModel(ctx context.Context, model pipeline.LanguageModel, content, language string, maxChars int) ([]Mention, int, error) {
	completion, err := model.Complete(ctx, pipeline.Prompt{
		System:      extractSystemPrompt,
		User:        extractPrompt(truncate(content, maxChars), language),
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, 0, err //nolint:wrapcheck // llm client already wraps
	}
	entities, err := decodeEntities(completion.Content)
	if err != nil {
		return nil, completion.TotalTokens, err
	}
	out := make([]Mention, 0, len(entities))
	for _, e := range entities {
		t, ok := modelType(e.Type)
		if !ok || strings.TrimSpace(e.Text) == "" {
			continue
		}
		out = append(out, Mention{Text: e.Text, Type: t, Role: strings.TrimSpace(e.Role)})
	}
	return out, completion.TotalTokens, nil
}

// decodeEntities accepts either {"entities": [...]} or a bare array.
func decodeEntities(content string) ([]modelEntity, error) {
	var raw json.RawMessage
	if err := llm.DecodeJSON(content, &raw); err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	var list []modelEntity
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var obj struct {
		Entities []modelEntity `json:"entities"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return obj.Entities, nil
}
