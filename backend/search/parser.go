// Copyright (c) 2026 WBODC Baseball
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search parses the free-form query strings accepted by the game
// and team listing endpoints into structured filters.
package search

import (
	"strings"
	"unicode"
)

// Operator defines the type of comparison for a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // for date:2026-05..2026-06
)

// Filter is one structured criterion derived from the query string.
type Filter struct {
	Key      string   // e.g., "team", "date", "status"
	Value    string   // e.g., "Brewbirds", "2026-05-01"
	MaxValue string   // Used only for OpRange
	Operator Operator
}

// Query is the parsed form of a search string.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse parses a search query string. It handles quoted strings
// (key:"value with spaces"), key:value pairs, comparison operators on the
// value (mainly for date), and bare words as free text.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}

	for _, token := range tokenize(input) {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 {
			q.FreeText = append(q.FreeText, removeQuotes(token))
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])

		// A second unquoted colon in the value is ambiguous, keep the whole
		// token as free text.
		if strings.Contains(val, ":") && !strings.HasPrefix(val, "\"") && !strings.HasPrefix(val, "'") {
			q.FreeText = append(q.FreeText, token)
			continue
		}
		if key == "" || val == "" {
			q.FreeText = append(q.FreeText, token)
			continue
		}

		if f, ok := parseFilterValue(key, val); ok {
			q.Filters = append(q.Filters, f)
		}
	}

	return q
}

// parseFilterValue extracts the comparison operator from the raw value.
func parseFilterValue(key, val string) (Filter, bool) {
	if strings.Contains(val, "..") {
		rangeParts := strings.SplitN(val, "..", 2)
		return Filter{
			Key:      key,
			Value:    rangeParts[0],
			MaxValue: rangeParts[1],
			Operator: OpRange,
		}, true
	}
	for _, op := range []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess} {
		if strings.HasPrefix(val, string(op)) {
			return Filter{
				Key:      key,
				Value:    removeQuotes(strings.TrimPrefix(val, string(op))),
				Operator: op,
			}, true
		}
	}
	return Filter{
		Key:      key,
		Value:    removeQuotes(val),
		Operator: OpEqual,
	}, true
}

// tokenize splits the string by spaces, respecting quotes.
func tokenize(input string) []string {
	var tokens []string
	var currentToken strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range input {
		switch {
		case inQuote:
			if r == quoteChar {
				inQuote = false
			}
			currentToken.WriteRune(r)
		case unicode.IsSpace(r):
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
		case r == '"' || r == '\'':
			inQuote = true
			quoteChar = r
			currentToken.WriteRune(r)
		default:
			currentToken.WriteRune(r)
		}
	}
	if currentToken.Len() > 0 {
		tokens = append(tokens, currentToken.String())
	}
	return tokens
}

func removeQuotes(s string) string {
	if len(s) >= 2 {
		first := s[0]
		last := s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
