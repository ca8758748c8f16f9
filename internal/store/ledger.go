package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Processing outcomes recorded in the ledger. The ledger is
// append-only: the first outcome written for an (account, message)
// pair is final.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeQuarantined = "quarantined"
)

// LedgerEntry is one processed-message record.
type LedgerEntry struct {
	Account     string
	MessageID   string
	Outcome     string
	Detail      string
	ProcessedAt time.Time
}

// Outcome returns the recorded outcome for a message, or "" if the
// message has never been processed.
func (s *Store) Outcome(ctx context.Context, account, messageID string) (string, error) {
	var outcome string
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome FROM ledger WHERE account = ? AND message_id = ?`,
		account, messageID,
	).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	return outcome, nil
}

// MarkOutcome records a processing outcome. Writes are idempotent: if
// an outcome already exists for the pair it is kept and false is
// returned, preserving the at-most-once invariant.
func (s *Store) MarkOutcome(ctx context.Context, account, messageID, outcome, detail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger (account, message_id, outcome, detail, processed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account, messageID, outcome, detail, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("ledger write: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger write: %w", err)
	}
	return n > 0, nil
}

// LedgerEntries returns all entries for an account, newest first.
// Inspection surface for quarantined messages.
func (s *Store) LedgerEntries(ctx context.Context, account string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, message_id, outcome, detail, processed_at
		 FROM ledger WHERE account = ? ORDER BY processed_at DESC`,
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Account, &e.MessageID, &e.Outcome, &e.Detail, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Marker returns the account's high-water mark, or the zero time if
// the account has never completed a handoff.
func (s *Store) Marker(ctx context.Context, account string) (time.Time, error) {
	var since time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT since FROM markers WHERE account = ?`, account,
	).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("marker lookup: %w", err)
	}
	return since, nil
}

// AdvanceMarker moves the high-water mark forward. Moves backward are
// ignored so an out-of-order commit cannot skip unprocessed messages.
func (s *Store) AdvanceMarker(ctx context.Context, account string, since time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers (account, since, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET since = excluded.since, updated_at = excluded.updated_at
		 WHERE excluded.since > markers.since`,
		account, since.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marker advance: %w", err)
	}
	return nil
}
