package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmonsalves/billwatch/internal/bill"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(service, msgID string, due time.Time) *bill.Record {
	return &bill.Record{
		Service:     service,
		MessageID:   msgID,
		ExtractedAt: time.Now().UTC(),
		Fields: map[string]bill.Value{
			bill.FieldTotalDue: {Type: bill.TypeCurrency, Amount: decimal.NewFromInt(45990)},
			bill.FieldDueDate:  {Type: bill.TypeDate, Date: due},
		},
		Complete: true,
	}
}

func TestLedgerAtMostOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	outcome, err := s.Outcome(ctx, "acct", "<m1>")
	require.NoError(t, err)
	assert.Empty(t, outcome)

	written, err := s.MarkOutcome(ctx, "acct", "<m1>", OutcomeSucceeded, "1/1 documents extracted")
	require.NoError(t, err)
	assert.True(t, written)

	// A second write for the same pair is ignored, whatever it says.
	written, err = s.MarkOutcome(ctx, "acct", "<m1>", OutcomeQuarantined, "")
	require.NoError(t, err)
	assert.False(t, written)

	outcome, err = s.Outcome(ctx, "acct", "<m1>")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome)
}

func TestLedgerKeyedPerAccount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.MarkOutcome(ctx, "acct-a", "<m1>", OutcomeSucceeded, "")
	require.NoError(t, err)

	outcome, err := s.Outcome(ctx, "acct-b", "<m1>")
	require.NoError(t, err)
	assert.Empty(t, outcome, "same message id under another account is unprocessed")
}

func TestLedgerEntriesInspectable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.MarkOutcome(ctx, "acct", "<bad>", OutcomeQuarantined, "0/1 documents extracted")
	require.NoError(t, err)

	entries, err := s.LedgerEntries(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeQuarantined, entries[0].Outcome)
	assert.Equal(t, "0/1 documents extracted", entries[0].Detail)
}

func TestMarkerAdvancesMonotonically(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	marker, err := s.Marker(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, marker.IsZero())

	day1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AdvanceMarker(ctx, "acct", day2))
	// A late commit with an older date must not move it backward.
	require.NoError(t, s.AdvanceMarker(ctx, "acct", day1))

	marker, err = s.Marker(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, marker.Equal(day2), "marker = %s, want %s", marker, day2)
}

func TestApplyRecordDemotesCurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testRecord("electricity", "<m1>", time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC))
	second := testRecord("electricity", "<m2>", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))

	applied, err := s.ApplyRecord(ctx, "acct", first, 5, "")
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = s.ApplyRecord(ctx, "acct", second, 5, "")
	require.NoError(t, err)
	require.True(t, applied)

	current, history, err := s.LoadEntity(ctx, "electricity")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "<m2>", current.MessageID)
	require.Len(t, history, 1)
	assert.Equal(t, "<m1>", history[0].MessageID)
}

func TestApplyRecordCommitsEntityAndLedgerTogether(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("electricity", "<m1>", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	applied, err := s.ApplyRecord(ctx, "acct", rec, 5, "1/1 documents extracted")
	require.NoError(t, err)
	require.True(t, applied)

	// One call produced both the entity state and the ledger row.
	outcome, err := s.Outcome(ctx, "acct", "<m1>")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome)
	current, _, err := s.LoadEntity(ctx, "electricity")
	require.NoError(t, err)
	require.NotNil(t, current)

	// A redelivery of the same message, even with different content,
	// is refused by the ledger check inside the same transaction.
	dup := testRecord("electricity", "<m1>", time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC))
	applied, err = s.ApplyRecord(ctx, "acct", dup, 5, "")
	require.NoError(t, err)
	assert.False(t, applied)

	current, history, err := s.LoadEntity(ctx, "electricity")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Empty(t, history, "refused redelivery must not grow history")
	assert.True(t, current.Fields[bill.FieldDueDate].Date.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)))
}

func TestApplyRecordHistoryBound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const capacity = 3

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < capacity+5; i++ {
		rec := testRecord("water", string(rune('a'+i))+"-msg", base.AddDate(0, i, 0))
		applied, err := s.ApplyRecord(ctx, "acct", rec, capacity, "")
		require.NoError(t, err)
		require.True(t, applied)
	}

	current, history, err := s.LoadEntity(ctx, "water")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Len(t, history, capacity, "history must equal configured capacity")

	// Most recent first: the record just behind current is the one
	// applied immediately before it.
	assert.Equal(t, "g-msg", history[0].MessageID)
}

func TestLoadEntityRoundTripsFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	due := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	rec := testRecord("gas", "<m1>", due)
	rec.Missing = []string{"consumption"}
	rec.Complete = false
	applied, err := s.ApplyRecord(ctx, "acct", rec, 5, "")
	require.NoError(t, err)
	require.True(t, applied)

	current, _, err := s.LoadEntity(ctx, "gas")
	require.NoError(t, err)
	require.NotNil(t, current)

	total, ok := current.TotalDue()
	require.True(t, ok)
	assert.True(t, total.Equal(decimal.NewFromInt(45990)))
	assert.True(t, current.Fields[bill.FieldDueDate].Date.Equal(due))
	assert.Equal(t, []string{"consumption"}, current.Missing)
	assert.False(t, current.Complete)
}

func TestLoadEntityUnknownService(t *testing.T) {
	s := testStore(t)

	current, history, err := s.LoadEntity(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, current)
	assert.Empty(t, history)
}
