package schema

import (
	"regexp"
	"strconv"
	"strings"
)

// Match is the result of applying a typed matcher to a piece of text.
type Match struct {
	// Value is the extracted, type-coerced value.
	Value any
	// Confidence is the baseline confidence for the match, in [0, 1].
	Confidence float64
}

var (
	emailRe      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe      = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
	isoDateRe    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+\-]\d{2}:?\d{2})?)?`)
	dateRe       = regexp.MustCompile(`(?i)\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}|\d{4}-\d{2}-\d{2}|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}`)
	urlRe        = regexp.MustCompile(`https?://[^\s<>"']+|www\.[^\s<>"']+`)
	numberRe     = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
	booleanRe    = regexp.MustCompile(`(?i)\b(true|false|yes|no|on|off)\b`)
	currencyRe   = regexp.MustCompile(`(?:[$€£¥]|USD|EUR|GBP|JPY)\s?-?\d[\d,]*(?:\.\d+)?|-?\d[\d,]*(?:\.\d+)?\s?(?:USD|EUR|GBP|JPY|dollars?|euros?)`)
	percentageRe = regexp.MustCompile(`-?\d+(?:\.\d+)?\s?(?:%|percent\b)`)
	addressRe    = regexp.MustCompile(`(?i)\d+\s+[A-Za-z0-9.\- ]+\s(?:st(?:reet)?|ave(?:nue)?|r(?:oa)?d|blvd|boulevard|lane|ln|drive|dr|court|ct|way|place|pl)\b[^\n]*`)
	// Name parts never span lines; a labeled value on the next line is a
	// different field.
	nameRe      = regexp.MustCompile(`\b[A-Z][a-z]+(?:[ \t]+[A-Z]\.?)?(?:[ \t]+[A-Z][a-z'\-]+)+\b`)
	labelLineRe = regexp.MustCompile(`(?m)^\s*([^:\-\n]{1,48})\s*[:\-]\s*(.+)$`)
)

// MatchTyped applies the deterministic matcher for the validation type to the
// given text. It returns nil when nothing plausible is found. Unknown and
// custom types fall back to labeled-line lookup handled by the callers.
func MatchTyped(vt ValidationType, text string) *Match {
	switch vt {
	case TypeEmail:
		return firstMatch(emailRe, text, 0.9)
	case TypePhone:
		if m := phoneRe.FindString(text); m != "" {
			return &Match{Value: strings.TrimSpace(m), Confidence: 0.85}
		}
	case TypeISODate:
		return firstMatch(isoDateRe, text, 0.9)
	case TypeDate:
		return firstMatch(dateRe, text, 0.8)
	case TypeURL:
		return firstMatch(urlRe, text, 0.9)
	case TypeNumber:
		if m := numberRe.FindString(text); m != "" {
			if n, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64); err == nil {
				return &Match{Value: n, Confidence: 0.8}
			}
		}
	case TypeBoolean:
		if m := booleanRe.FindString(text); m != "" {
			return &Match{Value: parseBool(m), Confidence: 0.8}
		}
	case TypeCurrency:
		if m := currencyRe.FindString(text); m != "" {
			if n, ok := currencyAmount(m); ok {
				return &Match{Value: n, Confidence: 0.85}
			}
			return &Match{Value: strings.TrimSpace(m), Confidence: 0.85}
		}
	case TypePercentage:
		return firstMatch(percentageRe, text, 0.85)
	case TypeAddress:
		return firstMatch(addressRe, text, 0.75)
	case TypeName:
		return firstMatch(nameRe, text, 0.75)
	case TypeStringArray:
		if items := splitList(text); len(items) > 0 {
			return &Match{Value: items, Confidence: 0.7}
		}
	case TypeNumberArray:
		if nums := numberList(text); len(nums) > 1 {
			return &Match{Value: nums, Confidence: 0.7}
		}
	case TypeString, TypeObject, TypeCustom:
		// No whole-input matcher; callers use labeled-line extraction.
	}
	return nil
}

// MatchLabeled finds a "label [:-] value" line whose label matches the target
// key and returns the raw value. This is the fall-through for string-ish and
// custom types.
func MatchLabeled(target, text string) *Match {
	for _, m := range labelLineRe.FindAllStringSubmatch(text, -1) {
		if KeysMatch(target, m[1]) {
			v := strings.TrimSpace(m[2])
			if v != "" {
				return &Match{Value: v, Confidence: 0.75}
			}
		}
	}
	return nil
}

// CoerceTyped validates and coerces a candidate string against a validation
// type. It returns nil when the candidate does not satisfy the type.
func CoerceTyped(vt ValidationType, candidate string) *Match {
	c := strings.TrimSpace(candidate)
	if c == "" {
		return nil
	}
	switch vt {
	case TypeString, TypeName, TypeAddress, TypeObject, TypeCustom:
		return &Match{Value: c, Confidence: 0.7}
	case TypeNumber:
		if n, err := strconv.ParseFloat(strings.ReplaceAll(c, ",", ""), 64); err == nil {
			return &Match{Value: n, Confidence: 0.8}
		}
		return nil
	case TypeBoolean:
		if booleanRe.MatchString(c) {
			return &Match{Value: parseBool(c), Confidence: 0.8}
		}
		return nil
	case TypeStringArray:
		if items := splitList(c); len(items) > 0 {
			return &Match{Value: items, Confidence: 0.7}
		}
		return nil
	case TypeNumberArray:
		if nums := numberList(c); len(nums) > 0 {
			return &Match{Value: nums, Confidence: 0.7}
		}
		return nil
	default:
		return MatchTyped(vt, c)
	}
}

func firstMatch(re *regexp.Regexp, text string, conf float64) *Match {
	if m := re.FindString(text); m != "" {
		return &Match{Value: strings.TrimSpace(m), Confidence: conf}
	}
	return nil
}

// currencyAmount strips the currency symbol, code and grouping commas and
// parses the remaining amount.
func currencyAmount(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '.' || r == '-' {
			return r
		}
		return -1
	}, s)
	n, err := strconv.ParseFloat(cleaned, 64)
	return n, err == nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on":
		return true
	default:
		return false
	}
}

// splitList breaks a comma/semicolon/newline separated run into trimmed,
// non-empty items.
func splitList(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, "[]\"'"))
		if p != "" {
			items = append(items, p)
		}
	}
	return items
}

func numberList(text string) []float64 {
	raw := numberRe.FindAllString(text, -1)
	nums := make([]float64, 0, len(raw))
	for _, r := range raw {
		if n, err := strconv.ParseFloat(strings.ReplaceAll(r, ",", "."), 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}
