// Package entity keeps per-service sensor state synchronized with
// incoming bill records and fans out new-bill events.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cmonsalves/billwatch/internal/bill"
	"github.com/cmonsalves/billwatch/internal/store"
)

// Notifier consumes one event per newly admitted bill record.
type Notifier interface {
	NotifyNewBill(ctx context.Context, rec *bill.Record) error
}

// Synchronizer applies canonical records to entity state: the new
// record takes the current slot, the prior current is prepended to the
// bounded history. Idempotence is ledger-based, not content-based:
// retries of the same message may legitimately extract different data.
type Synchronizer struct {
	store     *store.Store
	logger    *slog.Logger
	notifiers []Notifier
	caps      map[string]int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSynchronizer creates a Synchronizer. caps maps service name to
// history capacity.
func NewSynchronizer(st *store.Store, caps map[string]int, logger *slog.Logger, notifiers ...Notifier) *Synchronizer {
	return &Synchronizer{
		store:     st,
		logger:    logger,
		notifiers: notifiers,
		caps:      caps,
		locks:     make(map[string]*sync.Mutex),
	}
}

// serviceLock returns the per-service mutex, creating it on first use.
func (s *Synchronizer) serviceLock(service string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[service]
	if !ok {
		l = &sync.Mutex{}
		s.locks[service] = l
	}
	return l
}

// Apply synchronizes one record. The ledger check, the entity rows and
// the succeeded ledger row are committed in a single store transaction,
// so a crash mid-apply leaves no half-applied state and the next cycle
// re-admits the message cleanly. Apply reports whether the record was
// newly admitted; notifiers fire only after the commit.
func (s *Synchronizer) Apply(ctx context.Context, account string, rec *bill.Record, detail string) (bool, error) {
	lock := s.serviceLock(rec.Service)
	lock.Lock()
	defer lock.Unlock()

	capacity, ok := s.caps[rec.Service]
	if !ok {
		return false, fmt.Errorf("unknown service %q", rec.Service)
	}

	// Detach from cancellation: once the transaction starts it either
	// commits whole or rolls back whole.
	applyCtx := context.WithoutCancel(ctx)
	applied, err := s.store.ApplyRecord(applyCtx, account, rec, capacity, detail)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Debug("record already ledgered, skipping",
			"service", rec.Service, "msg_id", rec.MessageID)
		return false, nil
	}

	for _, n := range s.notifiers {
		if err := n.NotifyNewBill(applyCtx, rec); err != nil {
			s.logger.Warn("notifier failed",
				"service", rec.Service, "msg_id", rec.MessageID, "error", err)
		}
	}

	s.logger.Info("bill applied",
		"service", rec.Service, "msg_id", rec.MessageID, "complete", rec.Complete)
	return true, nil
}

// Entity returns a service's current record (nil if none yet) and its
// history, most recent first. This is the produced entity surface.
func (s *Synchronizer) Entity(ctx context.Context, service string) (*bill.Record, []bill.Record, error) {
	return s.store.LoadEntity(ctx, service)
}
