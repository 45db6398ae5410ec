package schema

import (
	"strings"
	"unicode"
)

// Section is a heading-delimited slice of the input. The section resolver
// scores sections against a target key and extracts from the best match.
type Section struct {
	// Heading is the raw heading line, empty for the implicit leading section.
	Heading string
	// Body holds the section content without the heading line.
	Body string
	// Start is the line offset of the heading (or of the first body line for
	// the implicit section).
	Start int
}

// SplitSections segments free text into heading-delimited sections. A line is
// treated as a heading when it ends with a colon, or when it is short and
// either all-caps or title-case. Content before the first heading forms an
// implicit unnamed section.
func SplitSections(input string) []Section {
	lines := strings.Split(input, "\n")
	var sections []Section
	current := Section{Start: 0}
	flush := func() {
		current.Body = strings.TrimRight(current.Body, "\n")
		if current.Heading != "" || strings.TrimSpace(current.Body) != "" {
			sections = append(sections, current)
		}
	}
	for i, line := range lines {
		if IsHeading(line) {
			flush()
			current = Section{Heading: strings.TrimSpace(line), Start: i}
			continue
		}
		current.Body += line + "\n"
	}
	flush()
	return sections
}

// IsHeading applies the heading heuristics: a trailing colon on a short
// label line, a short all-caps line, or a short title-case line.
func IsHeading(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" || len(t) > 64 {
		return false
	}
	if strings.HasSuffix(t, ":") && !strings.Contains(strings.TrimSuffix(t, ":"), ":") {
		// "Contact Details:" style label. Lines with an inline value after the
		// colon are key-value pairs, not headings.
		return len(strings.Fields(t)) <= 6
	}
	words := strings.Fields(t)
	if len(words) == 0 || len(words) > 5 {
		return false
	}
	if isAllCaps(t) {
		return true
	}
	return isTitleCase(words)
}

func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}

func isTitleCase(words []string) bool {
	for _, w := range words {
		r := []rune(w)[0]
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// ScoreSection rates how well a section matches the normalized target key.
// Exact heading match scores highest, then substring containment, then token
// overlap; a "key:" labeled line inside the body adds 0.7.
func ScoreSection(sec Section, normalizedTarget string) float64 {
	var score float64
	heading := NormalizeKey(sec.Heading)
	switch {
	case heading != "" && heading == normalizedTarget:
		score += 1.0
	case heading != "" && (strings.Contains(heading, normalizedTarget) || strings.Contains(normalizedTarget, heading)):
		score += 0.6
	default:
		score += tokenOverlap(heading, normalizedTarget) * 0.4
	}
	if hasLabeledLine(sec.Body, normalizedTarget) {
		score += 0.7
	}
	return score
}

// hasLabeledLine reports whether any line in the body labels the target key
// with a colon separator.
func hasLabeledLine(body, normalizedTarget string) bool {
	for _, line := range strings.Split(body, "\n") {
		idx := strings.IndexAny(line, ":=")
		if idx <= 0 {
			continue
		}
		if KeysMatch(normalizedTarget, line[:idx]) {
			return true
		}
	}
	return false
}

func tokenOverlap(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	at := strings.Fields(a)
	bt := strings.Fields(b)
	set := make(map[string]struct{}, len(at))
	for _, t := range at {
		set[t] = struct{}{}
	}
	matches := 0
	for _, t := range bt {
		if _, ok := set[t]; ok {
			matches++
		}
	}
	denom := len(at)
	if len(bt) > denom {
		denom = len(bt)
	}
	return float64(matches) / float64(denom)
}
