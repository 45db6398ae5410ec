// Package schema provides the heuristic vocabulary shared by the architect,
// the resolver chain, and the processors: validation types, output-schema
// descriptor inspection, key normalization, input format detection, section
// segmentation, and token/complexity estimation.
//
// Output schemas are heterogeneous: a field descriptor may be a plain type
// hint string ("email"), a descriptor object ({"type": "string", "optional":
// true}), or an arbitrary object treated as opaque metadata. The helpers in
// this package centralize the interpretation so every component agrees on
// what a field means.
package schema

import (
	"strings"
)

// ValidationType identifies which deterministic matcher applies to a field
// and the baseline confidence awarded on a successful match.
type ValidationType string

const (
	TypeString      ValidationType = "string"
	TypeNumber      ValidationType = "number"
	TypeBoolean     ValidationType = "boolean"
	TypeEmail       ValidationType = "email"
	TypePhone       ValidationType = "phone"
	TypeDate        ValidationType = "date"
	TypeISODate     ValidationType = "iso_date"
	TypeURL         ValidationType = "url"
	TypeStringArray ValidationType = "string_array"
	TypeNumberArray ValidationType = "number_array"
	TypeCurrency    ValidationType = "currency"
	TypePercentage  ValidationType = "percentage"
	TypeAddress     ValidationType = "address"
	TypeName        ValidationType = "name"
	TypeObject      ValidationType = "object"
	TypeCustom      ValidationType = "custom"
)

// knownTypes maps type hint strings to validation types. Hints are matched
// case-insensitively after trimming.
var knownTypes = map[string]ValidationType{
	"string":       TypeString,
	"text":         TypeString,
	"number":       TypeNumber,
	"int":          TypeNumber,
	"integer":      TypeNumber,
	"float":        TypeNumber,
	"boolean":      TypeBoolean,
	"bool":         TypeBoolean,
	"email":        TypeEmail,
	"phone":        TypePhone,
	"tel":          TypePhone,
	"date":         TypeDate,
	"iso_date":     TypeISODate,
	"isodate":      TypeISODate,
	"url":          TypeURL,
	"uri":          TypeURL,
	"string_array": TypeStringArray,
	"number_array": TypeNumberArray,
	"currency":     TypeCurrency,
	"money":        TypeCurrency,
	"percentage":   TypePercentage,
	"percent":      TypePercentage,
	"address":      TypeAddress,
	"name":         TypeName,
	"object":       TypeObject,
	"custom":       TypeCustom,
}

// DetectValidationType infers the validation type of a field from its schema
// descriptor and, failing that, from the field name itself. The fall-through
// order mirrors the plan builder: explicit hint, descriptor "type" entry,
// then name-based inference, then string.
func DetectValidationType(field string, descriptor any) ValidationType {
	switch d := descriptor.(type) {
	case string:
		if vt, ok := knownTypes[strings.ToLower(strings.TrimSpace(d))]; ok {
			return vt
		}
	case map[string]any:
		if hint, ok := d["type"].(string); ok {
			if vt, ok := knownTypes[strings.ToLower(strings.TrimSpace(hint))]; ok {
				return vt
			}
		}
	case ValidationType:
		return d
	}
	return inferFromName(field)
}

// inferFromName guesses a validation type from the normalized field name.
// The checks run in a fixed order so that e.g. "email_date" resolves to the
// first matching concept rather than depending on map iteration.
func inferFromName(field string) ValidationType {
	n := NormalizeKey(field)
	switch {
	case containsAny(n, "email", "e mail"):
		return TypeEmail
	case containsAny(n, "phone", "mobile", "fax", "tel"):
		return TypePhone
	case containsAny(n, "iso date", "isodate", "timestamp"):
		return TypeISODate
	case containsAny(n, "date", "birthday", "dob"):
		return TypeDate
	case containsAny(n, "url", "link", "website", "homepage"):
		return TypeURL
	case containsAny(n, "amount", "price", "total", "cost", "fee", "salary", "revenue", "budget"):
		return TypeCurrency
	case containsAny(n, "percent", "rate", "ratio"):
		return TypePercentage
	case containsAny(n, "address", "street", "city location"):
		return TypeAddress
	case containsAny(n, "name", "author", "contact", "owner"):
		return TypeName
	case containsAny(n, "count", "quantity", "qty", "number", "age", "year"):
		return TypeNumber
	case containsAny(n, "is ", "has ", "enabled", "active", "flag"):
		return TypeBoolean
	case containsAny(n, "ids", "list", "tags", "items", "keywords"):
		return TypeStringArray
	}
	return TypeString
}

// IsFieldOptional reports whether the schema descriptor marks the field as
// optional. Only an explicit optional flag on a descriptor object counts;
// plain hints and opaque descriptors describe required fields.
func IsFieldOptional(descriptor any) bool {
	d, ok := descriptor.(map[string]any)
	if !ok {
		return false
	}
	if opt, ok := d["optional"].(bool); ok {
		return opt
	}
	if req, ok := d["required"].(bool); ok {
		return !req
	}
	return false
}

// Description extracts a human-readable description from a descriptor object
// when present. Used to enrich search instructions in generated plans.
func Description(descriptor any) string {
	if d, ok := descriptor.(map[string]any); ok {
		if s, ok := d["description"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// NormalizeKey lowercases a field name and replaces underscore, dash, dot and
// camelCase boundaries with single spaces so that "billingAddress",
// "billing_address" and "Billing-Address" all normalize identically.
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)
	prevLower := false
	for _, r := range key {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			b.WriteByte(' ')
			prevLower = false
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte(' ')
			}
			b.WriteRune(r - 'A' + 'a')
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// KeyVariants returns the lookup variants a resolver should try for a target
// key: the normalized form, the collapsed form ("billing address" ->
// "billingaddress") and the underscored form ("billing_address").
func KeyVariants(key string) []string {
	n := NormalizeKey(key)
	collapsed := strings.ReplaceAll(n, " ", "")
	underscored := strings.ReplaceAll(n, " ", "_")
	variants := []string{n}
	if collapsed != n {
		variants = append(variants, collapsed)
	}
	if underscored != n && underscored != collapsed {
		variants = append(variants, underscored)
	}
	return variants
}

// KeysMatch reports whether a candidate key refers to the same concept as the
// target key under normalization.
func KeysMatch(target, candidate string) bool {
	nt := NormalizeKey(target)
	nc := NormalizeKey(candidate)
	if nt == nc {
		return true
	}
	return strings.ReplaceAll(nt, " ", "") == strings.ReplaceAll(nc, " ", "")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
