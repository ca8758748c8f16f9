package bill

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPeriodKeyPrecedence(t *testing.T) {
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	due := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	msg := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	ext := time.Date(2025, 4, 2, 10, 5, 0, 0, time.UTC)

	rec := &Record{
		MessageDate: msg,
		ExtractedAt: ext,
		Fields: map[string]Value{
			FieldBillingPeriodEnd: {Type: TypeDate, Date: end},
			FieldDueDate:          {Type: TypeDate, Date: due},
		},
	}
	if got := rec.PeriodKey(); !got.Equal(end) {
		t.Errorf("PeriodKey = %v, want billing period end", got)
	}

	delete(rec.Fields, FieldBillingPeriodEnd)
	if got := rec.PeriodKey(); !got.Equal(due) {
		t.Errorf("PeriodKey = %v, want due date", got)
	}

	delete(rec.Fields, FieldDueDate)
	if got := rec.PeriodKey(); !got.Equal(msg) {
		t.Errorf("PeriodKey = %v, want message date", got)
	}

	rec.MessageDate = time.Time{}
	if got := rec.PeriodKey(); !got.Equal(ext) {
		t.Errorf("PeriodKey = %v, want extraction time", got)
	}
}

func TestTotalDue(t *testing.T) {
	rec := &Record{Fields: map[string]Value{}}
	if _, ok := rec.TotalDue(); ok {
		t.Error("TotalDue should be absent")
	}

	rec.Fields[FieldTotalDue] = Value{Type: TypeText, Text: "45.990"}
	if _, ok := rec.TotalDue(); ok {
		t.Error("TotalDue must require the currency type")
	}

	rec.Fields[FieldTotalDue] = Value{Type: TypeCurrency, Amount: decimal.NewFromInt(45990)}
	got, ok := rec.TotalDue()
	if !ok || !got.Equal(decimal.NewFromInt(45990)) {
		t.Errorf("TotalDue = %v %v", got, ok)
	}
}
