package claims

import (
	"strings"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Aggregate collects the entities referenced by claims. Callers pass only
// admitted claims so rejected claims leak nothing into the graph.
func Aggregate(claims []pipeline.Claim) pipeline.ClaimEntities {
	people := newOrderedSet()
	orgs := newOrderedSet()
	places := newOrderedSet()
	times := newOrderedSet()

	for _, c := range claims {
		for _, w := range c.Who {
			if name, ok := cutPrefix(w, "PERSON:"); ok {
				people.add(name)
			} else if name, ok := cutPrefix(w, "ORG:"); ok {
				orgs.add(name)
			}
		}
		for _, w := range c.Where {
			places.add(locationName(w))
		}
		times.add(c.When.Date)
		times.add(c.When.EventTime)
		times.add(c.When.TemporalContext)
	}
	return pipeline.ClaimEntities{
		People:         people.items,
		Organizations:  orgs.items,
		Locations:      places.items,
		TimeReferences: times.items,
	}
}

// locationName drops the type tag of a typed reference such as "GPE:Paris"
// whatever the tag is.
func locationName(w string) string {
	if _, name, ok := strings.Cut(w, ":"); ok {
		return strings.TrimSpace(name)
	}
	return strings.TrimSpace(w)
}

func cutPrefix(s, prefix string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}, items: []string{}}
}

func (s *orderedSet) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}
