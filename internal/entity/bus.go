package entity

import (
	"context"
	"sync"

	"github.com/cmonsalves/billwatch/internal/bill"
)

// Event is one new-bill notification.
type Event struct {
	Service string
	Record  *bill.Record
}

// Bus is the in-process event surface: external automation subscribes
// and receives one event per newly committed record.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives future events. The channel
// is buffered; a subscriber that falls far behind loses events rather
// than blocking the pipeline.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 16)
	b.subs = append(b.subs, ch)
	return ch
}

// NotifyNewBill implements Notifier.
func (b *Bus) NotifyNewBill(_ context.Context, rec *bill.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- Event{Service: rec.Service, Record: rec}:
		default:
		}
	}
	return nil
}
