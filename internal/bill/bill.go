// Package bill holds the data model flowing through the pipeline.
package bill

import (
	"time"

	"github.com/shopspring/decimal"
)

// FieldType declares how a raw extracted string is coerced.
type FieldType string

const (
	TypeCurrency FieldType = "currency"
	TypeDate     FieldType = "date"
	TypeInteger  FieldType = "integer"
	TypeText     FieldType = "text"
)

// Confidence classifies the outcome of one field's locator rule.
type Confidence string

const (
	NotFound  Confidence = "not_found"
	Matched   Confidence = "matched"
	Ambiguous Confidence = "ambiguous"
)

// Match is one field's raw extraction result. Candidates carry every
// distinct match so the normalizer can apply the configured ambiguity
// policy instead of the engine guessing.
type Match struct {
	Raw        string
	Candidates []string
	Confidence Confidence
}

// Candidate is the untyped extraction result for one document.
type Candidate struct {
	Service   string
	MessageID string
	Fields    map[string]Match
}

// Value is a typed field value inside a Record.
type Value struct {
	Type   FieldType       `json:"type"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	Date   time.Time       `json:"date,omitzero"`
	Int    int64           `json:"int,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// Record is the canonical bill. Immutable once built; the synchronizer
// replaces whole records, never mutates one.
type Record struct {
	Service     string           `json:"service"`
	MessageID   string           `json:"message_id"`
	ExtractedAt time.Time        `json:"extracted_at"`
	MessageDate time.Time        `json:"message_date,omitzero"`
	Fields      map[string]Value `json:"fields"`
	Missing     []string         `json:"missing,omitempty"`
	AmbiguousIn []string         `json:"ambiguous,omitempty"`
	Complete    bool             `json:"complete"`
}

// Field names the synchronizer orders and surfaces by convention.
const (
	FieldTotalDue           = "total_due"
	FieldDueDate            = "due_date"
	FieldBillingPeriodStart = "billing_period_start"
	FieldBillingPeriodEnd   = "billing_period_end"
	FieldCustomerNumber     = "customer_number"
	FieldConsumption        = "consumption"
)

// PeriodKey returns the timestamp used to order records of the same
// service within one poll cycle: the billing period end if extracted,
// then the due date, then the message date, then extraction time.
func (r *Record) PeriodKey() time.Time {
	for _, name := range []string{FieldBillingPeriodEnd, FieldDueDate} {
		if v, ok := r.Fields[name]; ok && v.Type == TypeDate && !v.Date.IsZero() {
			return v.Date
		}
	}
	if !r.MessageDate.IsZero() {
		return r.MessageDate
	}
	return r.ExtractedAt
}

// TotalDue returns the current-value field of the entity surface, or
// false if it was not extracted.
func (r *Record) TotalDue() (decimal.Decimal, bool) {
	v, ok := r.Fields[FieldTotalDue]
	if !ok || v.Type != TypeCurrency {
		return decimal.Zero, false
	}
	return v.Amount, true
}
