package validator

import (
	"regexp"
	"strings"
	"unicode"
)

const personName = `[A-Z][a-z]+(?:[ \t]+[A-Z]\.)?(?:[ \t]+[A-Z][a-z']+(?:-[A-Z][a-z]+)?)+`

var (
	nameBeforeDateline = regexp.MustCompile(
		`([A-Z][a-z]+(?:[ \t]+(?:[A-Z]\.[ \t]*)?[A-Z][a-z]+)+)[ \t]*[\r\n]+[ \t]*(?:Published|Posted|By[ \t]*line):`)
	nameAfterBy = regexp.MustCompile(
		`(?m)^[ \t]*By[ \t]+(` + personName + `(?:(?:,[ \t]*(?:and[ \t]+)?|[ \t]+and[ \t]+)` + personName + `)*)`)
	nameAfterLabel = regexp.MustCompile(
		`(?:Written[ \t]+by:?|Author:)[ \t]*(` + personName + `)`)

	nonNameWords = []string{
		"sign", "subscribe", "click", "read", "more", "here", "now",
		"continue", "share", "print", "save", "follow", "latest",
		"shutdown", "update", "breaking", "live", "today", "news",
	}
	nameSuffixes = map[string]bool{
		".": true, "Jr": true, "Sr": true, "Jr.": true, "Sr.": true, "II": true, "III": true,
	}
	nameParticles = map[string]bool{
		"and": true, "de": true, "da": true, "del": true, "van": true, "von": true, "bin": true,
	}
)

const (
	bylineScanLines = 100
	bylineMaxRun    = 5
)

// FallbackAuthor recovers a byline from plain text. It returns "" when no
// plausible author is found.
func FallbackAuthor(content string) string {
	for _, re := range []*regexp.Regexp{nameBeforeDateline, nameAfterBy, nameAfterLabel} {
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		if author := strings.TrimSpace(m[1]); IsPlausibleName(author) {
			return author
		}
	}
	return consecutiveNames(content)
}

// consecutiveNames finds a run of 2 to 5 lines that each look like a name near
// the top of the text, which is how multi-author bylines are often laid out.
func consecutiveNames(content string) string {
	lines := strings.Split(content, "\n")
	limit := min(bylineScanLines, len(lines))
	for i := 0; i < limit; i++ {
		first := strings.TrimSpace(lines[i])
		if !IsPlausibleName(first) {
			continue
		}
		authors := []string{first}
		for j := i + 1; j < len(lines) && len(authors) < bylineMaxRun; j++ {
			next := strings.TrimSpace(lines[j])
			if !IsPlausibleName(next) {
				break
			}
			authors = append(authors, next)
		}
		if len(authors) >= 2 {
			return strings.Join(authors, ", ")
		}
	}
	return ""
}

// IsPlausibleName rejects UI vocabulary and anything that is not at least two
// capitalized alphabetic tokens.
func IsPlausibleName(name string) bool {
	if len(name) < 4 {
		return false
	}
	lower := strings.ToLower(name)
	for _, w := range nonNameWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		part = strings.TrimRight(part, ",")
		if nameSuffixes[part] || nameParticles[part] || isInitial(part) {
			continue
		}
		clean := strings.NewReplacer("'", "", "-", "", ".", "").Replace(part)
		if len([]rune(clean)) < 2 || !allLetters(clean) || !unicode.IsUpper([]rune(clean)[0]) {
			return false
		}
	}
	return true
}

func isInitial(part string) bool {
	r := []rune(part)
	return len(r) == 2 && unicode.IsUpper(r[0]) && r[1] == '.'
}

func allLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
