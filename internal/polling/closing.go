// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package polling

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ClosingPredicate reports whether an operator message ends the session.
type ClosingPredicate func(text string) bool

// DefaultClosingPhrases are the sign-offs operators use.
var DefaultClosingPhrases = []string{
	"спасибо, что воспользовались нашим сервисом",
	"спасибо что воспользовались нашим сервисом",
	"благодарим за обращение",
	"чат завершен",
	"чат закрыт",
}

// PhraseMatcher matches text containing any phrase, ignoring case and
// surrounding space. An empty list uses DefaultClosingPhrases.
func PhraseMatcher(phrases ...string) ClosingPredicate {
	if len(phrases) == 0 {
		phrases = DefaultClosingPhrases
	}

	normalized := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = fold(p); p != "" {
			normalized = append(normalized, p)
		}
	}

	return func(text string) bool {
		t := fold(text)
		if t == "" {
			return false
		}
		for _, p := range normalized {
			if strings.Contains(t, p) {
				return true
			}
		}
		return false
	}
}

// fold lowercases with Russian rules and composes to NFC so that visually
// equal strings compare equal. A Caser is not safe for concurrent use, so
// each call builds its own.
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return norm.NFC.String(cases.Lower(language.Russian).String(s))
}
