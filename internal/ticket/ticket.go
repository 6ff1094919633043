package ticket

import (
	"time"
)

// Status is the ticket lifecycle state.
type Status string

const (
	StatusOpen              Status = "open"
	StatusInProgress        Status = "in_progress"
	StatusWaitingOnCustomer Status = "waiting_on_customer"
	StatusWaitingOnAgent    Status = "waiting_on_agent"
	StatusEscalated         Status = "escalated"
	StatusReopened          Status = "reopened"
	StatusResolved          Status = "resolved"
	StatusClosed            Status = "closed"
)

var statusRank = map[Status]int{
	StatusOpen:              0,
	StatusReopened:          1,
	StatusInProgress:        2,
	StatusWaitingOnCustomer: 3,
	StatusWaitingOnAgent:    4,
	StatusEscalated:         5,
	StatusResolved:          6,
	StatusClosed:            7,
}

// Rank returns the position of s in the lifecycle ordering, or -1 for
// unknown statuses.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether SLA and rule evaluation stop for this status.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// OpenStatuses lists every status that keeps a ticket in SLA and rule
// evaluation.
func OpenStatuses() []Status {
	return []Status{
		StatusOpen, StatusInProgress, StatusWaitingOnCustomer,
		StatusWaitingOnAgent, StatusEscalated, StatusReopened,
	}
}

// Priority is the ordered ticket priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityUrgent:   3,
	PriorityCritical: 4,
}

// Rank returns the ordering position of p, or -1 for unknown priorities.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Ticket is the engine's view of a ticket. The backing store owns the
// record; the engine only reads snapshots and requests mutations.
type Ticket struct {
	Ref             string     `json:"ref"`
	Subject         string     `json:"subject"`
	Status          Status     `json:"status"`
	Priority        Priority   `json:"priority"`
	CreatedAt       time.Time  `json:"created_at"`
	FirstResponseAt *time.Time `json:"first_response_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	DepartmentID    string     `json:"department_id,omitempty"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	Tags            []string   `json:"tags,omitempty"`

	// Flags gating at-most-once SLA side effects.
	ResponseBreached   bool `json:"response_breached"`
	ResolutionBreached bool `json:"resolution_breached"`
	ResponseWarned     bool `json:"response_warned"`
	ResolutionWarned   bool `json:"resolution_warned"`

	// Version is bumped on every committed mutation set and used for
	// optimistic concurrency across overlapping passes.
	Version int64 `json:"version"`
}

// HasTag reports whether the ticket carries the given tag slug.
func (t *Ticket) HasTag(slug string) bool {
	for _, tg := range t.Tags {
		if tg == slug {
			return true
		}
	}
	return false
}

// Age is the wall-clock time since the ticket was created.
func (t *Ticket) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Policy holds the SLA targets for one priority.
type Policy struct {
	Priority         Priority      `json:"priority"`
	ResponseTarget   time.Duration `json:"response_target"`
	ResolutionTarget time.Duration `json:"resolution_target"`
	// WarningThreshold is the fraction of the target at which an early
	// warning fires, e.g. 0.8.
	WarningThreshold float64 `json:"warning_threshold"`
}

// Department groups agents for assignment. RoundRobinPos is the rotating
// pointer advanced on every round-robin assignment.
type Department struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Agents        []string `json:"agents"`
	RoundRobinPos int      `json:"round_robin_pos"`
}

// Filter selects candidate tickets from the store.
type Filter struct {
	Statuses       []Status
	Priority       Priority
	DepartmentID   string
	ResolvedBefore *time.Time
}

// Open returns a filter matching every non-terminal ticket.
func Open() Filter { return Filter{Statuses: OpenStatuses()} }
