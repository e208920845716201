package resolver

import (
	"crypto/md5" //nolint:gosec // identity hash, not a security boundary
	"encoding/hex"
	"strings"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Mention is one raw entity occurrence from an extractor.
type Mention struct {
	Text string
	Type pipeline.EntityType
	Role string
}

// CanonicalID derives the identity of an entity from its type and name. The
// same real-world entity maps to the same id regardless of the task that
// found it.
func CanonicalID(t pipeline.EntityType, name string) string {
	sum := md5.Sum([]byte(string(t) + ":" + strings.ToLower(strings.TrimSpace(name)))) //nolint:gosec // identity hash
	return strings.ToLower(string(t)) + "_" + hex.EncodeToString(sum[:])[:8]
}

// Deduplicate groups mentions of each type into canonical entities. Within
// a type, each mention joins the first cluster whose opening mention it
// matches at threshold, or opens a new cluster. Entities are returned in
// order of first mention.
func Deduplicate(mentions []Mention, threshold float64) []pipeline.ResolvedEntity {
	byType := make(map[pipeline.EntityType][]Mention)
	var order []pipeline.EntityType
	for _, m := range mentions {
		m.Text = strings.TrimSpace(m.Text)
		if m.Text == "" {
			continue
		}
		if _, ok := byType[m.Type]; !ok {
			order = append(order, m.Type)
		}
		byType[m.Type] = append(byType[m.Type], m)
	}

	var out []pipeline.ResolvedEntity
	for _, t := range order {
		out = append(out, clusterType(t, byType[t], threshold)...)
	}
	return out
}

func clusterType(t pipeline.EntityType, mentions []Mention, threshold float64) []pipeline.ResolvedEntity {
	var clusters [][]Mention
	for _, m := range mentions {
		joined := false
		for c := range clusters {
			if Similarity(clusters[c][0].Text, m.Text) >= threshold {
				clusters[c] = append(clusters[c], m)
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, []Mention{m})
		}
	}

	out := make([]pipeline.ResolvedEntity, 0, len(clusters))
	for _, group := range clusters {
		out = append(out, canonicalize(t, group))
	}
	return out
}

func canonicalize(t pipeline.EntityType, group []Mention) pipeline.ResolvedEntity {
	name := group[0].Text
	var role string
	seen := make(map[string]bool, len(group))
	var texts []string
	for _, m := range group {
		if len([]rune(m.Text)) > len([]rune(name)) {
			name = m.Text
		}
		if role == "" && m.Role != "" {
			role = m.Role
		}
		if !seen[m.Text] {
			seen[m.Text] = true
			texts = append(texts, m.Text)
		}
	}
	confidence := 0.7
	if len(group) > 1 {
		confidence = 1.0
	}
	entity := pipeline.ResolvedEntity{
		CanonicalName: name,
		CanonicalID:   CanonicalID(t, name),
		EntityType:    t,
		Mentions:      texts,
		Confidence:    confidence,
	}
	if role != "" {
		entity.Context = map[string]string{"role": role}
	}
	return entity
}
