// Package blocklist matches hosts against configured domain patterns.
package blocklist

import "strings"

// Blocklist stores exact hosts and suffix wildcards. A nil Blocklist blocks
// nothing.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// New parses patterns. "example.org" matches only that host; "*.ru" and ".ru"
// match the suffix and every subdomain. It returns nil when no pattern is
// usable.
func New(patterns []string) *Blocklist {
	matcher := &Blocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		var suffix string
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			suffix = strings.TrimPrefix(value, "*.")
		case strings.HasPrefix(value, "."):
			suffix = strings.TrimPrefix(value, ".")
		default:
			matcher.exact[value] = struct{}{}
			continue
		}
		if suffix != "" {
			matcher.addSuffix(suffix)
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *Blocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches any pattern.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Len is the number of patterns.
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.exact) + len(b.suffixes)
}
