package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cmonsalves/billwatch/internal/bill"
)

// LoadEntity returns a service's current record (nil if none) and its
// history, most recent first.
func (s *Store) LoadEntity(ctx context.Context, service string) (*bill.Record, []bill.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, record_json FROM entities WHERE service = ? ORDER BY position ASC`,
		service,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("entity load: %w", err)
	}
	defer rows.Close()

	var current *bill.Record
	var history []bill.Record
	for rows.Next() {
		var pos int
		var raw string
		if err := rows.Scan(&pos, &raw); err != nil {
			return nil, nil, fmt.Errorf("entity scan: %w", err)
		}
		var rec bill.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, nil, fmt.Errorf("entity decode %s/%d: %w", service, pos, err)
		}
		if pos == 0 {
			r := rec
			current = &r
		} else {
			history = append(history, rec)
		}
	}
	return current, history, rows.Err()
}

// ApplyRecord admits one record: it checks the ledger, replaces the
// service's current slot with rec (demoting the previous current into
// history, trimmed to capacity) and writes the succeeded ledger row,
// all in one transaction. Check, entity state and ledger commit either
// all land or none do; a message already ledgered returns false
// untouched.
func (s *Store) ApplyRecord(ctx context.Context, account string, rec *bill.Record, capacity int, detail string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("entity tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT outcome FROM ledger WHERE account = ? AND message_id = ?`,
		account, rec.MessageID,
	).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT record_json FROM entities WHERE service = ? ORDER BY position ASC`,
		rec.Service,
	)
	if err != nil {
		return false, fmt.Errorf("entity read: %w", err)
	}
	var prior []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return false, fmt.Errorf("entity scan: %w", err)
		}
		prior = append(prior, raw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, err
	}
	rows.Close()

	encoded, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("entity encode: %w", err)
	}

	// New layout: rec at 0, prior rows shifted down, oldest evicted.
	updated := append([]string{string(encoded)}, prior...)
	if len(updated) > capacity+1 {
		updated = updated[:capacity+1]
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE service = ?`, rec.Service); err != nil {
		return false, fmt.Errorf("entity clear: %w", err)
	}
	for pos, raw := range updated {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (service, position, record_json) VALUES (?, ?, ?)`,
			rec.Service, pos, raw,
		); err != nil {
			return false, fmt.Errorf("entity write: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (account, message_id, outcome, detail, processed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account, rec.MessageID, OutcomeSucceeded, detail, time.Now().UTC(),
	); err != nil {
		return false, fmt.Errorf("ledger write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("entity commit: %w", err)
	}
	return true, nil
}
