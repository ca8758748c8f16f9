// Package extract applies a service's field template to parsed
// document text, producing an untyped candidate record.
//
// A template field carries one of two locator rules: a label anchor
// (find a literal like "Total a pagar" and capture a value-shaped
// token in a bounded window after it) or a regular expression. Rules
// that match more than one distinct value are flagged ambiguous, never
// silently resolved; the normalizer applies the configured policy.
// Extraction is deterministic.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cmonsalves/billwatch/internal/bill"
	"github.com/cmonsalves/billwatch/internal/config"
	"github.com/cmonsalves/billwatch/internal/docparse"
)

// Value-shaped token patterns per field type. The currency and date
// shapes follow what Chilean utility issuers actually print:
// "$ 45.990", "45.990,50 CLP", "15/03/2025", "15 de marzo de 2025".
var shapes = map[bill.FieldType]*regexp.Regexp{
	bill.TypeCurrency: regexp.MustCompile(
		`(?i)\$\s*([0-9]{1,3}(?:[.,][0-9]{3})*(?:[.,][0-9]{1,2})?)` +
			`|([0-9]{1,3}(?:[.,][0-9]{3})*(?:[.,][0-9]{1,2})?)\s*(?:CLP|USD|EUR|pesos?)`),
	bill.TypeDate: regexp.MustCompile(
		`(?i)([0-9]{1,2}[/-][0-9]{1,2}[/-][0-9]{2,4}` +
			`|[0-9]{4}-[0-9]{2}-[0-9]{2}` +
			`|[0-9]{1,2}\s+de\s+[a-zA-Záéíóú]+\s+de\s+[0-9]{4})`),
	bill.TypeInteger: regexp.MustCompile(`([0-9][0-9.\-]{0,19})`),
	bill.TypeText:    regexp.MustCompile(`([^\n\r]{2,120})`),
}

// Engine evaluates one service's template.
type Engine struct {
	svc      config.Service
	patterns map[string]*regexp.Regexp
}

// New compiles the template's pattern rules.
func New(svc config.Service) (*Engine, error) {
	patterns := make(map[string]*regexp.Regexp)
	for _, f := range svc.Fields {
		if f.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		patterns[f.Name] = re
	}
	return &Engine{svc: svc, patterns: patterns}, nil
}

// Extract runs every template field against the parsed text (and the
// message subject, for subject-scoped rules).
func (e *Engine) Extract(messageID, subject string, frags []docparse.Fragment) bill.Candidate {
	body := docparse.Text(frags)
	if len(body) > e.svc.TextCap() {
		body = body[:e.svc.TextCap()]
	}

	cand := bill.Candidate{
		Service:   e.svc.Name,
		MessageID: messageID,
		Fields:    make(map[string]bill.Match, len(e.svc.Fields)),
	}

	for _, f := range e.svc.Fields {
		source := body
		if f.FromSubject() {
			source = subject
		}

		var values []string
		if f.Label != "" {
			values = e.anchorMatches(source, f)
		} else {
			values = e.patternMatches(source, f)
		}

		switch len(values) {
		case 0:
			cand.Fields[f.Name] = bill.Match{Confidence: bill.NotFound}
		case 1:
			cand.Fields[f.Name] = bill.Match{
				Raw:        values[0],
				Candidates: values,
				Confidence: bill.Matched,
			}
		default:
			cand.Fields[f.Name] = bill.Match{
				Candidates: values,
				Confidence: bill.Ambiguous,
			}
		}
	}
	return cand
}

// anchorMatches locates every occurrence of the field's label and
// captures a value-shaped token in the window after each. Label
// comparison is case- and diacritic-insensitive.
func (e *Engine) anchorMatches(source string, f config.Field) []string {
	text := []rune(source)
	label := foldRunes([]rune(f.Label))
	folded := foldRunes(text)

	shape := shapes[f.ValueType()]
	window := f.SearchWindow()

	var values []string
	for _, pos := range indexAll(folded, label) {
		start := pos + len(label)
		end := start + window
		if end > len(text) {
			end = len(text)
		}
		rest := strings.TrimLeft(string(text[start:end]), ":  \t")
		if m := shape.FindStringSubmatch(rest); m != nil {
			values = append(values, firstGroup(m))
		}
	}
	return distinct(values)
}

// patternMatches applies the field's own regex across the whole
// source, capturing group 1 when present.
func (e *Engine) patternMatches(source string, f config.Field) []string {
	re := e.patterns[f.Name]
	if re == nil {
		return nil
	}
	var values []string
	for _, m := range re.FindAllStringSubmatch(source, -1) {
		values = append(values, firstGroup(m))
	}
	return distinct(values)
}

// firstGroup returns the first non-empty capture group, or the whole
// match.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g = strings.TrimSpace(g); g != "" {
			return g
		}
	}
	return strings.TrimSpace(m[0])
}

// distinct keeps first-seen order. Repeats of the same value (a label
// printed twice with the same amount) are not ambiguity.
func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// foldRunes lowercases and strips the Spanish diacritics that appear
// in bill labels, rune for rune so indexes stay aligned.
func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		switch r {
		case 'Á', 'á':
			r = 'a'
		case 'É', 'é':
			r = 'e'
		case 'Í', 'í':
			r = 'i'
		case 'Ó', 'ó':
			r = 'o'
		case 'Ú', 'ú', 'Ü', 'ü':
			r = 'u'
		case 'Ñ', 'ñ':
			r = 'n'
		default:
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
		}
		out[i] = r
	}
	return out
}

// indexAll returns the start index of every occurrence of needle.
func indexAll(haystack, needle []rune) []int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return nil
	}
	var idx []int
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			idx = append(idx, i)
		}
	}
	return idx
}
