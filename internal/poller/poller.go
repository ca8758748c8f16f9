// Package poller schedules and runs the per-account poll pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmonsalves/billwatch/internal/config"
	"github.com/cmonsalves/billwatch/internal/entity"
	"github.com/cmonsalves/billwatch/internal/extract"
	"github.com/cmonsalves/billwatch/internal/faults"
	"github.com/cmonsalves/billwatch/internal/mailbox"
	"github.com/cmonsalves/billwatch/internal/normalize"
	"github.com/cmonsalves/billwatch/internal/store"
)

// State of one account's scheduling machine.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateBackoff State = "backoff"
	StateStopped State = "stopped"
)

// Diagnostics is the per-account status surface.
type Diagnostics struct {
	Account       string
	State         State
	LastSuccess   time.Time
	LastErrorKind string
	AuthFailures  int
}

// Poller monitors one account: idle → polling → (idle | backoff), with
// exponential backoff on connection failures and a hard stop once the
// auth failure budget is spent.
type Poller struct {
	acct     config.Account
	services []config.Service
	engines  map[string]*extract.Engine
	norms    map[string]normalize.Normalizer
	dialer   mailbox.Dialer
	store    *store.Store
	sync     *entity.Synchronizer
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	lastSuccess time.Time
	lastErrKind string
	authFails   int
	delay       time.Duration
}

// New builds a Poller for the account and its services.
func New(
	acct config.Account,
	services []config.Service,
	dialer mailbox.Dialer,
	st *store.Store,
	synchronizer *entity.Synchronizer,
	logger *slog.Logger,
) (*Poller, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("account %s: no services configured", acct.Name)
	}

	engines := make(map[string]*extract.Engine, len(services))
	norms := make(map[string]normalize.Normalizer, len(services))
	for _, svc := range services {
		eng, err := extract.New(svc)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		engines[svc.Name] = eng
		norms[svc.Name] = normalize.New(svc)
	}

	return &Poller{
		acct:     acct,
		services: services,
		engines:  engines,
		norms:    norms,
		dialer:   dialer,
		store:    st,
		sync:     synchronizer,
		logger:   logger,
		state:    StateIdle,
	}, nil
}

// Run polls until ctx is cancelled or the auth budget is exhausted.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("starting poller",
		"account", p.acct.Name,
		"protocol", p.acct.Protocol,
		"host", p.acct.Host,
		"interval", p.acct.PollInterval(),
		"services", len(p.services),
	)

	// Run immediately on start, then on interval or backoff delay.
	p.pollOnce(ctx)

	for {
		p.mu.Lock()
		state := p.state
		fails := p.authFails
		delay := p.acct.PollInterval()
		if state == StateBackoff {
			delay = p.delay
		}
		p.mu.Unlock()

		if state == StateStopped {
			p.logger.Error("poller stopped: authentication failure budget exhausted",
				"account", p.acct.Name, "failures", fails)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("poller stopped", "account", p.acct.Name)
			return
		case <-timer.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce runs one cycle if the account is not already polling.
func (p *Poller) pollOnce(ctx context.Context) {
	if !p.begin() {
		return
	}

	err := p.cycle(ctx)
	p.finish(err)
}

// begin transitions idle/backoff → polling; a cycle already in flight
// for this account blocks a second one.
func (p *Poller) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePolling || p.state == StateStopped {
		return false
	}
	p.state = StatePolling
	return true
}

func (p *Poller) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.state = StateIdle
		p.lastSuccess = time.Now()
		p.lastErrKind = ""
		p.authFails = 0
		p.delay = 0
		return
	}

	p.lastErrKind = faults.Kind(err)

	switch {
	case errors.Is(err, faults.ErrAuth):
		p.authFails++
		if p.authFails >= p.acct.AuthBudget() {
			p.state = StateStopped
			return
		}
		p.backoff()
	case errors.Is(err, context.Canceled):
		p.state = StateIdle
	default:
		// Connectivity and anything else transient.
		p.backoff()
	}

	p.logger.Warn("poll cycle failed",
		"account", p.acct.Name,
		"error_kind", p.lastErrKind,
		"state", p.state,
		"retry_in", p.delay,
	)
}

// backoff doubles the retry delay up to the configured ceiling.
func (p *Poller) backoff() {
	p.state = StateBackoff
	if p.delay <= 0 {
		p.delay = time.Minute
	} else {
		p.delay *= 2
	}
	if max := p.acct.MaxBackoff(); p.delay > max {
		p.delay = max
	}
}

// Diagnostics returns a snapshot of the account's status.
func (p *Poller) Diagnostics() Diagnostics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Diagnostics{
		Account:       p.acct.Name,
		State:         p.state,
		LastSuccess:   p.lastSuccess,
		LastErrorKind: p.lastErrKind,
		AuthFailures:  p.authFails,
	}
}
