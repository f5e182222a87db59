package fhir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
)

// ErrInvalidSearchParam is wrapped by clause builders that reject a value.
var ErrInvalidSearchParam = errors.New("invalid search parameter")

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "0.7" -> (eq, "0.7")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

func comparator(p SearchPrefix) string {
	switch p {
	case PrefixGt, PrefixSa:
		return ">"
	case PrefixLt, PrefixEb:
		return "<"
	case PrefixGe:
		return ">="
	case PrefixLe:
		return "<="
	case PrefixNe:
		return "!="
	default:
		return "="
	}
}

// DateSearchClause generates SQL for a date search parameter with prefix support.
func DateSearchClause(column string, value string, argIdx int) (string, []interface{}, int, error) {
	parsed := ParseSearchValue(value)

	t, err := parseFlexDate(parsed.Value)
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("%w: %v", ErrInvalidSearchParam, err)
	}

	// A bare day matches the whole day.
	if parsed.Prefix == PrefixEq && len(parsed.Value) == 10 {
		endOfDay := t.Add(24*time.Hour - time.Nanosecond)
		clause := fmt.Sprintf("(%s >= $%d AND %s <= $%d)", column, argIdx, column, argIdx+1)
		return clause, []interface{}{t, endOfDay}, argIdx + 2, nil
	}
	return fmt.Sprintf("%s %s $%d", column, comparator(parsed.Prefix), argIdx), []interface{}{t}, argIdx + 1, nil
}

// NumberSearchClause generates SQL for a number search parameter with prefix support.
func NumberSearchClause(column string, value string, argIdx int) (string, []interface{}, int, error) {
	parsed := ParseSearchValue(value)
	n, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("%w: %q is not a number", ErrInvalidSearchParam, parsed.Value)
	}
	return fmt.Sprintf("%s %s $%d", column, comparator(parsed.Prefix), argIdx), []interface{}{n}, argIdx + 1, nil
}

// TokenSearchClause handles token search parameters in the format "system|code", "|code", "system|", or just "code".
// Without a system column the system part is ignored.
func TokenSearchClause(systemCol, codeCol string, value string, argIdx int) (string, []interface{}, int) {
	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		system, code := parts[0], parts[1]

		switch {
		case systemCol != "" && system != "" && code != "":
			clause := fmt.Sprintf("(%s = $%d AND %s = $%d)", systemCol, argIdx, codeCol, argIdx+1)
			return clause, []interface{}{system, code}, argIdx + 2
		case systemCol != "" && system != "":
			return fmt.Sprintf("%s = $%d", systemCol, argIdx), []interface{}{system}, argIdx + 1
		default:
			value = code
		}
	}
	return fmt.Sprintf("%s = $%d", codeCol, argIdx), []interface{}{value}, argIdx + 1
}

// ReferenceSearchClause matches a "ResourceType/uuid" or bare uuid reference.
func ReferenceSearchClause(column string, value string, argIdx int) (string, []interface{}, int, error) {
	if idx := strings.LastIndex(value, "/"); idx >= 0 {
		value = value[idx+1:]
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("%w: reference %q is not a UUID", ErrInvalidSearchParam, value)
	}
	return fmt.Sprintf("%s = $%d", column, argIdx), []interface{}{id}, argIdx + 1, nil
}

func parseFlexDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
