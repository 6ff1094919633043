// Package slaclock computes per-ticket SLA deadline state and decides
// which breach/warning signals still need to fire. State is derived on
// every pass; only the gating flags live on the ticket.
package slaclock

import (
	"time"

	"github.com/escalated-dev/escalated-go/internal/calendar"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// State is the computed deadline view for one ticket.
type State struct {
	ResponseDueAt      *time.Time
	ResolutionDueAt    *time.Time
	ResponseBreached   bool
	ResolutionBreached bool
	ResponseWarned     bool
	ResolutionWarned   bool
}

// SignalKind identifies an SLA transition detected during a pass.
type SignalKind string

const (
	SignalResponseBreach    SignalKind = "sla_response_breached"
	SignalResolutionBreach  SignalKind = "sla_resolution_breached"
	SignalResponseWarning   SignalKind = "sla_response_warning"
	SignalResolutionWarning SignalKind = "sla_resolution_warning"
)

// Signal is an SLA transition that has not fired before. The Flag must be
// persisted in the same mutation set as the side effect so a rerun of the
// pass is a no-op.
type Signal struct {
	Kind      SignalKind
	Flag      ticket.Flag
	DueAt     time.Time
	Remaining time.Duration
}

// Clock evaluates tickets against a policy set. A nil Calendar (or
// BusinessOnly=false) means plain wall-clock arithmetic.
type Clock struct {
	Calendar     *calendar.Calendar
	BusinessOnly bool
}

func (c *Clock) add(start time.Time, d time.Duration) time.Time {
	if c.BusinessOnly && c.Calendar != nil {
		return c.Calendar.Add(start, d)
	}
	return start.Add(d)
}

func (c *Clock) elapsed(start, end time.Time) time.Duration {
	if c.BusinessOnly && c.Calendar != nil {
		return c.Calendar.Elapsed(start, end)
	}
	return end.Sub(start)
}

// Compute derives the deadline state for t under p at instant now.
// Terminal tickets freeze: due times are still reported but no new
// breach or warning is computed past resolution.
func (c *Clock) Compute(t *ticket.Ticket, p ticket.Policy, now time.Time) State {
	st := State{
		ResponseBreached:   t.ResponseBreached,
		ResolutionBreached: t.ResolutionBreached,
		ResponseWarned:     t.ResponseWarned,
		ResolutionWarned:   t.ResolutionWarned,
	}
	if p.ResponseTarget > 0 {
		due := c.add(t.CreatedAt, p.ResponseTarget)
		st.ResponseDueAt = &due
	}
	if p.ResolutionTarget > 0 {
		due := c.add(t.CreatedAt, p.ResolutionTarget)
		// A policy with a resolution target shorter than its response
		// target would breach resolution before first response is even
		// expected; clamp so resolution is never due first.
		if st.ResponseDueAt != nil && due.Before(*st.ResponseDueAt) {
			due = *st.ResponseDueAt
		}
		st.ResolutionDueAt = &due
	}
	return st
}

// Evaluate returns the derived state plus the signals that must fire now.
// Each signal is gated by its ticket flag: re-running the evaluation
// before the flags are persisted yields the same signals, re-running
// after yields none.
func (c *Clock) Evaluate(t *ticket.Ticket, p ticket.Policy, now time.Time) (State, []Signal) {
	st := c.Compute(t, p, now)
	if t.Status.Terminal() {
		return st, nil
	}

	var sigs []Signal
	elapsed := c.elapsed(t.CreatedAt, now)

	// First response track: only while no response is recorded.
	if st.ResponseDueAt != nil && t.FirstResponseAt == nil {
		due := *st.ResponseDueAt
		if !t.ResponseBreached && !now.Before(due) {
			st.ResponseBreached = true
			sigs = append(sigs, Signal{
				Kind:  SignalResponseBreach,
				Flag:  ticket.FlagResponseBreached,
				DueAt: due,
			})
		} else if !t.ResponseBreached && !t.ResponseWarned && warned(elapsed, p.ResponseTarget, p.WarningThreshold) {
			st.ResponseWarned = true
			sigs = append(sigs, Signal{
				Kind:      SignalResponseWarning,
				Flag:      ticket.FlagResponseWarned,
				DueAt:     due,
				Remaining: due.Sub(now),
			})
		}
	}

	// Resolution track: runs until the ticket resolves.
	if st.ResolutionDueAt != nil && t.ResolvedAt == nil {
		due := *st.ResolutionDueAt
		if !t.ResolutionBreached && !now.Before(due) {
			st.ResolutionBreached = true
			sigs = append(sigs, Signal{
				Kind:  SignalResolutionBreach,
				Flag:  ticket.FlagResolutionBreached,
				DueAt: due,
			})
		} else if !t.ResolutionBreached && !t.ResolutionWarned && warned(elapsed, p.ResolutionTarget, p.WarningThreshold) {
			st.ResolutionWarned = true
			sigs = append(sigs, Signal{
				Kind:      SignalResolutionWarning,
				Flag:      ticket.FlagResolutionWarned,
				DueAt:     due,
				Remaining: due.Sub(now),
			})
		}
	}

	return st, sigs
}

func warned(elapsed, target time.Duration, threshold float64) bool {
	if target <= 0 || threshold <= 0 {
		return false
	}
	return float64(elapsed) >= threshold*float64(target)
}
