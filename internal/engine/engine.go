// Package engine runs the scheduler passes: SLA checks, escalation rule
// evaluation, auto-close, and sync queue drains. Each pass is a single
// sweep over candidate tickets, designed to be idempotent so an
// external scheduler can invoke it as often as it likes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/escalated-dev/escalated-go/internal/action"
	"github.com/escalated-dev/escalated-go/internal/events"
	"github.com/escalated-dev/escalated-go/internal/metrics"
	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/slaclock"
	"github.com/escalated-dev/escalated-go/internal/store"
	"github.com/escalated-dev/escalated-go/internal/syncq"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// Engine wires the store driver, SLA clock, and action executor into
// the scheduler passes.
type Engine struct {
	Driver     store.Driver
	Clock      *slaclock.Clock
	Exec       *action.Executor
	Dispatcher *events.Dispatcher
	// Queue and Sender are set in synced mode for DrainSync.
	Queue  *syncq.Queue
	Sender syncq.Sender

	SLAEnabled bool
	Now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockTicket serializes concurrent passes touching the same ticket
// within this process. Cross-process races are handled by the version
// guard on mutations.
func (e *Engine) lockTicket(ref string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = map[string]*sync.Mutex{}
	}
	l, ok := e.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ref] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Summary reports what one pass did.
type Summary struct {
	Scanned     int
	Breaches    int
	Warnings    int
	RuleMatches int
	Closed      int
	Errors      int
}

func track(kind slaclock.SignalKind) string {
	if strings.Contains(string(kind), "response") {
		return "response"
	}
	return "resolution"
}

// CheckSLA sweeps open tickets and fires breach/warning signals that
// have not fired before. Signals persist their gating flag and the
// derived event in one mutation set, so a rerun is a no-op.
func (e *Engine) CheckSLA(ctx context.Context) (Summary, error) {
	var sum Summary
	if !e.SLAEnabled {
		log.Info().Msg("sla checks disabled")
		return sum, nil
	}
	policies, err := e.Driver.FetchPolicies(ctx)
	if err != nil {
		return sum, fmt.Errorf("check-sla: %w", err)
	}
	tickets, err := e.Driver.FetchCandidateTickets(ctx, ticket.Open())
	if err != nil {
		return sum, fmt.Errorf("check-sla: %w", err)
	}
	now := e.now()
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		t := tickets[i]
		sum.Scanned++
		metrics.TicketsScannedTotal.WithLabelValues("check_sla").Inc()
		p, ok := policies[t.Priority]
		if !ok {
			continue
		}
		if err := e.checkTicketSLA(ctx, t, p, now, &sum); err != nil {
			sum.Errors++
			metrics.PassErrorsTotal.WithLabelValues("check_sla").Inc()
			log.Error().Err(err).Str("ticket", t.Ref).Msg("sla check failed")
		}
	}
	return sum, nil
}

func (e *Engine) checkTicketSLA(ctx context.Context, t ticket.Ticket, p ticket.Policy, now time.Time, sum *Summary) error {
	unlock := e.lockTicket(t.Ref)
	defer unlock()

	_, sigs := e.Clock.Evaluate(&t, p, now)
	if len(sigs) == 0 {
		return nil
	}
	ms := ticket.MutationSet{Cause: "sla", ExpectedVersion: t.Version}
	for _, s := range sigs {
		ms.Mutations = append(ms.Mutations, ticket.SetFlag(s.Flag))
	}
	if _, err := e.Driver.ApplyMutation(ctx, t.Ref, ms); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another pass got there first; its signals already fired.
			log.Debug().Str("ticket", t.Ref).Msg("sla flags lost the race")
			return nil
		}
		return err
	}
	for _, s := range sigs {
		payload := map[string]any{
			"kind":   string(s.Kind),
			"track":  track(s.Kind),
			"due_at": s.DueAt,
		}
		switch s.Kind {
		case slaclock.SignalResponseBreach, slaclock.SignalResolutionBreach:
			sum.Breaches++
			metrics.SLABreachesTotal.WithLabelValues(track(s.Kind)).Inc()
			e.Dispatcher.Publish(ctx, events.New(events.SLABreached, t.Ref, payload))
		default:
			sum.Warnings++
			payload["remaining"] = s.Remaining.String()
			metrics.SLAWarningsTotal.WithLabelValues(track(s.Kind)).Inc()
			e.Dispatcher.Publish(ctx, events.New(events.SLAWarning, t.Ref, payload))
		}
	}
	return nil
}

// EvaluateEscalations runs every enabled rule against every open
// ticket. All matching rules fire in priority order; each firing
// commits before the next rule's condition is evaluated, so later rules
// see earlier writes.
func (e *Engine) EvaluateEscalations(ctx context.Context) (Summary, error) {
	var sum Summary
	rs, err := e.Driver.FetchRules(ctx)
	if err != nil {
		return sum, fmt.Errorf("evaluate-escalations: %w", err)
	}
	ordered := rules.Ordered(rs)

	tickets, err := e.Driver.FetchCandidateTickets(ctx, ticket.Open())
	if err != nil {
		return sum, fmt.Errorf("evaluate-escalations: %w", err)
	}
	now := e.now()
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++
		metrics.TicketsScannedTotal.WithLabelValues("escalations").Inc()
		e.evaluateTicket(ctx, tickets[i], ordered, now, &sum)
	}
	return sum, nil
}

func (e *Engine) evaluateTicket(ctx context.Context, t ticket.Ticket, ordered []rules.Rule, now time.Time, sum *Summary) {
	unlock := e.lockTicket(t.Ref)
	defer unlock()

	for i := range ordered {
		r := &ordered[i]
		ok, err := r.Matches(rules.NewSnapshot(&t, now))
		if err != nil {
			// A bad condition or unknown attribute fails only this rule.
			sum.Errors++
			metrics.PassErrorsTotal.WithLabelValues("escalations").Inc()
			log.Warn().Err(err).Str("rule", r.ID).Str("ticket", t.Ref).Msg("rule condition failed")
			continue
		}
		if !ok {
			continue
		}
		sum.RuleMatches++
		metrics.RulesMatchedTotal.Inc()
		applied, err := e.Exec.Execute(ctx, t, rules.Match{Rule: r, Actions: r.Actions})
		if err != nil {
			sum.Errors++
			metrics.PassErrorsTotal.WithLabelValues("escalations").Inc()
			log.Error().Err(err).Str("rule", r.ID).Str("ticket", t.Ref).Msg("rule actions failed")
			if errors.Is(err, store.ErrConflict) {
				// Our snapshot is stale; stop and let the next pass
				// re-evaluate from fresh state.
				return
			}
			continue
		}
		t = applied
	}
}

// CloseResolved closes tickets that have sat in resolved for at least
// the given number of days. Wall-clock days: a resolved ticket waits
// the full grace period regardless of business hours.
func (e *Engine) CloseResolved(ctx context.Context, days int, dryRun bool) (Summary, error) {
	var sum Summary
	if days <= 0 {
		return sum, fmt.Errorf("close-resolved: days must be positive, got %d", days)
	}
	cutoff := e.now().AddDate(0, 0, -days)
	tickets, err := e.Driver.FetchCandidateTickets(ctx, ticket.Filter{
		Statuses:       []ticket.Status{ticket.StatusResolved},
		ResolvedBefore: &cutoff,
	})
	if err != nil {
		return sum, fmt.Errorf("close-resolved: %w", err)
	}
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		t := tickets[i]
		sum.Scanned++
		metrics.TicketsScannedTotal.WithLabelValues("close_resolved").Inc()
		if dryRun {
			sum.Closed++
			log.Info().Str("ticket", t.Ref).Time("resolved_at", *t.ResolvedAt).Msg("would close")
			continue
		}
		unlock := e.lockTicket(t.Ref)
		_, err := e.Driver.ApplyMutation(ctx, t.Ref, ticket.MutationSet{
			Cause:           "auto_close",
			ExpectedVersion: t.Version,
			Mutations:       []ticket.Mutation{ticket.SetStatus(ticket.StatusClosed)},
		})
		unlock()
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Reopened or touched since the fetch; leave it alone.
				continue
			}
			sum.Errors++
			metrics.PassErrorsTotal.WithLabelValues("close_resolved").Inc()
			log.Error().Err(err).Str("ticket", t.Ref).Msg("auto close failed")
			continue
		}
		sum.Closed++
		e.Dispatcher.Publish(ctx, events.New(events.TicketClosed, t.Ref, map[string]any{
			"cause": "auto_close", "resolved_at": t.ResolvedAt,
		}))
	}
	return sum, nil
}

// DrainSync delivers queued mirror operations to the hosted API.
func (e *Engine) DrainSync(ctx context.Context) (syncq.DrainStats, error) {
	if e.Queue == nil || e.Sender == nil {
		return syncq.DrainStats{}, fmt.Errorf("drain-sync: sync queue not configured (synced mode only)")
	}
	return e.Queue.Drain(ctx, e.Sender)
}
