// Package normalize coerces candidate records into canonical typed
// bill records. An incomplete record is still emitted so partial data
// reaches the entity surface instead of vanishing behind a failure.
package normalize

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmonsalves/billwatch/internal/bill"
	"github.com/cmonsalves/billwatch/internal/config"
)

// Normalizer applies one service's type and locale configuration.
type Normalizer struct {
	svc config.Service
}

// New creates a Normalizer for the service.
func New(svc config.Service) Normalizer {
	return Normalizer{svc: svc}
}

// Record converts an extraction candidate into a canonical record.
// Fields that failed their locator or fail coercion are listed in
// Missing; ambiguous fields are resolved per the configured policy.
func (n Normalizer) Record(cand bill.Candidate, msgDate, extractedAt time.Time) *bill.Record {
	rec := &bill.Record{
		Service:     cand.Service,
		MessageID:   cand.MessageID,
		ExtractedAt: extractedAt,
		MessageDate: msgDate,
		Fields:      make(map[string]bill.Value),
	}

	for _, f := range n.svc.Fields {
		match := cand.Fields[f.Name]

		raw, ambiguous := n.resolve(match)
		if ambiguous {
			rec.AmbiguousIn = append(rec.AmbiguousIn, f.Name)
		}
		if raw == "" {
			rec.Missing = append(rec.Missing, f.Name)
			continue
		}

		value, ok := n.coerce(raw, f.ValueType())
		if !ok {
			rec.Missing = append(rec.Missing, f.Name)
			continue
		}
		rec.Fields[f.Name] = value
	}

	sort.Strings(rec.Missing)
	sort.Strings(rec.AmbiguousIn)

	ambiguousNames := make(map[string]bool, len(rec.AmbiguousIn))
	for _, name := range rec.AmbiguousIn {
		ambiguousNames[name] = true
	}

	// Complete means every required field is present and unambiguous; a
	// "first"/"last" pick fills the value but does not make it trusted.
	rec.Complete = true
	for _, name := range n.svc.RequiredFields() {
		if _, ok := rec.Fields[name]; !ok || ambiguousNames[name] {
			rec.Complete = false
			break
		}
	}
	return rec
}

// resolve picks the raw string for a match. Ambiguous matches follow
// the service policy: "first"/"last" choose an occurrence but keep the
// ambiguity flag; "flag" (the default) reports the field missing.
func (n Normalizer) resolve(m bill.Match) (raw string, ambiguous bool) {
	switch m.Confidence {
	case bill.Matched:
		return m.Raw, false
	case bill.Ambiguous:
		switch n.svc.Policy() {
		case "first":
			return m.Candidates[0], true
		case "last":
			return m.Candidates[len(m.Candidates)-1], true
		default:
			return "", true
		}
	default:
		return "", false
	}
}

func (n Normalizer) coerce(raw string, t bill.FieldType) (bill.Value, bool) {
	switch t {
	case bill.TypeCurrency:
		amount, ok := n.parseAmount(raw)
		if !ok {
			return bill.Value{}, false
		}
		return bill.Value{Type: t, Amount: amount}, true
	case bill.TypeDate:
		date, ok := n.parseDate(raw)
		if !ok {
			return bill.Value{}, false
		}
		return bill.Value{Type: t, Date: date}, true
	case bill.TypeInteger:
		cleaned := strings.ReplaceAll(raw, n.svc.ThousandsSep(), "")
		cleaned = strings.TrimSpace(cleaned)
		v, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			return bill.Value{}, false
		}
		return bill.Value{Type: t, Int: v}, true
	case bill.TypeText:
		text := strings.Join(strings.Fields(raw), " ")
		if text == "" {
			return bill.Value{}, false
		}
		return bill.Value{Type: t, Text: text}, true
	}
	return bill.Value{}, false
}

// parseAmount handles locale-separated amounts: with the Chilean
// defaults "45.990" is forty-five thousand, "45.990,50" adds cents.
func (n Normalizer) parseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "$  ")
	s = strings.TrimSpace(s)

	s = strings.ReplaceAll(s, n.svc.ThousandsSep(), "")
	s = strings.Replace(s, n.svc.DecimalSep(), ".", 1)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
}

func (n Normalizer) parseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range n.svc.Layouts() {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}

	// "15 de marzo de 2025"
	parts := strings.Fields(strings.ToLower(s))
	if len(parts) == 5 && parts[1] == "de" && parts[3] == "de" {
		day, errD := strconv.Atoi(parts[0])
		year, errY := strconv.Atoi(parts[4])
		month, ok := spanishMonths[parts[2]]
		if errD == nil && errY == nil && ok && day >= 1 && day <= 31 {
			return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
