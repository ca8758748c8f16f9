package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmonsalves/billwatch/internal/attach"
	"github.com/cmonsalves/billwatch/internal/bill"
	"github.com/cmonsalves/billwatch/internal/config"
	"github.com/cmonsalves/billwatch/internal/docparse"
	"github.com/cmonsalves/billwatch/internal/faults"
	"github.com/cmonsalves/billwatch/internal/mailbox"
	"github.com/cmonsalves/billwatch/internal/store"
)

// admitted is a listed message that matched a service and passed the
// ledger check.
type admitted struct {
	sum mailbox.Summary
	svc config.Service
}

// outcome of processing one admitted message.
type msgResult struct {
	sum     mailbox.Summary
	rec     *bill.Record
	ledger  string // store.OutcomeSucceeded or store.OutcomeQuarantined
	detail  string
	skipped bool // message vanished; not ledgered, benign
}

// cycle runs one full poll pass: list, filter, dedup, fetch, parse,
// extract, normalize, synchronize, commit, advance marker.
func (p *Poller) cycle(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, p.acct.FetchTimeout())
	sess, err := p.dialer.Open(opCtx)
	cancel()
	if err != nil {
		return err
	}
	defer sess.Close()

	since, err := p.sinceMarker(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel = context.WithTimeout(ctx, p.acct.FetchTimeout())
	sums, err := sess.ListCandidates(opCtx, since)
	cancel()
	if err != nil {
		return err
	}

	var admittedMsgs []admitted
	handedOff := time.Time{} // newest message date confirmed handed off
	for _, sum := range sums {
		svc, ok := p.matchService(sum.Sender, sum.Subject)
		if !ok {
			continue
		}
		recorded, err := p.store.Outcome(ctx, p.acct.Name, sum.ID)
		if err != nil {
			return err
		}
		if recorded != "" {
			if sum.Date.After(handedOff) {
				handedOff = sum.Date
			}
			continue
		}
		admittedMsgs = append(admittedMsgs, admitted{sum: sum, svc: svc})
	}

	if len(admittedMsgs) > 0 {
		p.logger.Info(fmt.Sprintf("found %d new bill message(s)", len(admittedMsgs)),
			"account", p.acct.Name)
	}

	// Fetch and extract in parallel; records are immutable and the
	// ledger serializes commits, so only synchronization below needs
	// ordering.
	results := make([]*msgResult, len(admittedMsgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.acct.ParallelLimit())
	for i, adm := range admittedMsgs {
		g.Go(func() error {
			res, err := p.processMessage(gctx, sess, adm)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Records for the same service must land in ascending billing
	// period order so history is deterministic regardless of arrival
	// order.
	var ordered []*msgResult
	for _, res := range results {
		if res != nil && !res.skipped {
			ordered = append(ordered, res)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ordered[i], ordered[j]
		if ri.rec == nil || rj.rec == nil {
			return rj.rec != nil
		}
		if ri.rec.Service != rj.rec.Service {
			return ri.rec.Service < rj.rec.Service
		}
		return ri.rec.PeriodKey().Before(rj.rec.PeriodKey())
	})

	var earliestUnledgered time.Time
	noteUnledgered := func(d time.Time) {
		if earliestUnledgered.IsZero() || d.Before(earliestUnledgered) {
			earliestUnledgered = d
		}
	}

	for _, res := range ordered {
		if res.rec != nil {
			// Apply commits entity state and the ledger row in one
			// transaction; the message is retried next cycle on failure.
			if _, err := p.sync.Apply(ctx, p.acct.Name, res.rec, res.detail); err != nil {
				p.logger.Error("synchronize failed",
					"account", p.acct.Name, "msg_id", res.sum.ID, "error", err)
				noteUnledgered(res.sum.Date)
				continue
			}
		} else if _, err := p.store.MarkOutcome(context.WithoutCancel(ctx),
			p.acct.Name, res.sum.ID, res.ledger, res.detail); err != nil {
			p.logger.Error("ledger commit failed",
				"account", p.acct.Name, "msg_id", res.sum.ID, "error", err)
			noteUnledgered(res.sum.Date)
			continue
		}
		if res.sum.Date.After(handedOff) {
			handedOff = res.sum.Date
		}
		if res.ledger == store.OutcomeQuarantined {
			p.logger.Warn("message quarantined",
				"account", p.acct.Name, "msg_id", res.sum.ID, "detail", res.detail)
		}
	}

	// The marker may reach an unledgered message's day but never pass
	// it; the day-granular SINCE listing then re-reads that message.
	if !earliestUnledgered.IsZero() && earliestUnledgered.Before(handedOff) {
		handedOff = earliestUnledgered
	}

	if !handedOff.IsZero() {
		// IMAP SINCE has day granularity; truncating keeps the listing
		// overlap on the marker day, which the ledger absorbs.
		day := handedOff.UTC().Truncate(24 * time.Hour)
		if err := p.store.AdvanceMarker(ctx, p.acct.Name, day); err != nil {
			return err
		}
	}
	return nil
}

// sinceMarker returns the stored high-water mark, or the configured
// lookback window for an account that has never handed off.
func (p *Poller) sinceMarker(ctx context.Context) (time.Time, error) {
	marker, err := p.store.Marker(ctx, p.acct.Name)
	if err != nil {
		return time.Time{}, err
	}
	if marker.IsZero() {
		return time.Now().AddDate(0, 0, -p.acct.Lookback()), nil
	}
	return marker, nil
}

// matchService returns the first configured service whose rules match,
// in configuration order.
func (p *Poller) matchService(sender, subject string) (config.Service, bool) {
	for _, svc := range p.services {
		if svc.Match.Matches(sender, subject) {
			return svc, true
		}
	}
	return config.Service{}, false
}

// processMessage fetches one admitted message and runs extraction over
// its documents. Per-attachment failures are contained; only
// connection-level errors propagate and abort the cycle.
func (p *Poller) processMessage(ctx context.Context, sess mailbox.Session, adm admitted) (*msgResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.acct.FetchTimeout())
	raw, err := sess.Fetch(opCtx, adm.sum.ID)
	cancel()
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			p.logger.Debug("message vanished, skipping",
				"account", p.acct.Name, "msg_id", adm.sum.ID)
			return &msgResult{sum: adm.sum, skipped: true}, nil
		}
		return nil, err
	}

	docs, docErrs := attach.Documents(raw, p.acct.MaxAttachmentSize())
	failed := 0
	for _, derr := range docErrs {
		p.logger.Warn("attachment failed",
			"account", p.acct.Name, "msg_id", adm.sum.ID, "error", derr)
		if faults.Quarantinable(derr) {
			failed++
		}
	}

	engine := p.engines[adm.svc.Name]
	norm := p.norms[adm.svc.Name]
	extractedAt := time.Now().UTC()

	var best *bill.Record
	parsed := 0
	for _, doc := range docs {
		frags, err := docparse.Parse(doc.Data, doc.MIME)
		if err != nil {
			if faults.Quarantinable(err) {
				failed++
			}
			p.logger.Warn("document unparsable",
				"account", p.acct.Name, "msg_id", adm.sum.ID,
				"filename", doc.Filename, "error", err)
			continue
		}
		parsed++

		cand := engine.Extract(raw.ID, raw.Subject, frags)
		rec := norm.Record(cand, raw.Date, extractedAt)
		if better(rec, best) {
			best = rec
		}
	}

	res := &msgResult{sum: adm.sum, rec: best}
	switch {
	case best != nil:
		res.ledger = store.OutcomeSucceeded
		res.detail = fmt.Sprintf("%d/%d documents extracted", parsed, parsed+failed)
	case failed > 0:
		res.ledger = store.OutcomeQuarantined
		res.detail = fmt.Sprintf("0/%d documents extracted", parsed+failed)
	default:
		// Matched the rules but carried nothing extractable.
		res.ledger = store.OutcomeSucceeded
		res.detail = "no documents"
	}
	return res, nil
}

// better prefers the record with more resolved fields, complete ones
// winning ties, so the PDF beats the notification body when both parse.
func better(candidate, current *bill.Record) bool {
	if candidate == nil {
		return false
	}
	if current == nil {
		return true
	}
	if candidate.Complete != current.Complete {
		return candidate.Complete
	}
	return len(candidate.Fields) > len(current.Fields)
}
