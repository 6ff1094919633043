package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// Memory is an in-process Driver used by tests and local development.
// It honors the same version-check semantics as the Postgres store.
type Memory struct {
	mu          sync.Mutex
	tickets     map[string]*ticket.Ticket
	departments map[string]*ticket.Department
	policies    map[ticket.Priority]ticket.Policy
	rules       []rules.Rule
	activities  []Activity
	now         func() time.Time
}

// Activity is one recorded mutation, mirroring the ticket_activities
// table of the local store.
type Activity struct {
	TicketRef string
	Cause     string
	Set       ticket.MutationSet
	At        time.Time
}

func NewMemory() *Memory {
	return &Memory{
		tickets:     map[string]*ticket.Ticket{},
		departments: map[string]*ticket.Department{},
		policies:    map[ticket.Priority]ticket.Policy{},
		now:         time.Now,
	}
}

func (m *Memory) Mode() Mode { return ModeSelfHosted }

// SetNow overrides the clock, for tests.
func (m *Memory) SetNow(now func() time.Time) { m.now = now }

func (m *Memory) PutTicket(t ticket.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	cp.Tags = append([]string(nil), t.Tags...)
	m.tickets[t.Ref] = &cp
}

func (m *Memory) PutDepartment(d ticket.Department) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	cp.Agents = append([]string(nil), d.Agents...)
	m.departments[d.ID] = &cp
}

func (m *Memory) PutPolicy(p ticket.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Priority] = p
}

func (m *Memory) PutRules(rs []rules.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]rules.Rule(nil), rs...)
}

// Ticket returns a copy of the stored ticket, for assertions.
func (m *Memory) Ticket(ref string) (ticket.Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ref]
	if !ok {
		return ticket.Ticket{}, false
	}
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	return cp, true
}

// Activities returns the recorded mutation log.
func (m *Memory) Activities() []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Activity(nil), m.activities...)
}

func matches(t *ticket.Ticket, f ticket.Filter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.DepartmentID != "" && t.DepartmentID != f.DepartmentID {
		return false
	}
	if f.ResolvedBefore != nil {
		if t.ResolvedAt == nil || !t.ResolvedAt.Before(*f.ResolvedBefore) {
			return false
		}
	}
	return true
}

func (m *Memory) FetchCandidateTickets(ctx context.Context, f ticket.Filter) ([]ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ticket.Ticket
	for _, t := range m.tickets {
		if matches(t, f) {
			cp := *t
			cp.Tags = append([]string(nil), t.Tags...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ApplyMutation(ctx context.Context, ref string, ms ticket.MutationSet) (ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ref]
	if !ok {
		return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", ref, ErrNotFound)
	}
	if ms.ExpectedVersion != 0 && t.Version != ms.ExpectedVersion {
		return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", ref, ErrConflict)
	}
	ms.ApplyTo(t, m.now)
	m.activities = append(m.activities, Activity{
		TicketRef: ref, Cause: ms.Cause, Set: ms, At: m.now(),
	})
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	return cp, nil
}

func (m *Memory) FetchPolicies(ctx context.Context) (map[ticket.Priority]ticket.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ticket.Priority]ticket.Policy, len(m.policies))
	for k, v := range m.policies {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) FetchRules(ctx context.Context) ([]rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]rules.Rule(nil), m.rules...)
	rules.Sort(out)
	return out, nil
}

func (m *Memory) FetchDepartment(ctx context.Context, id string) (ticket.Department, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.departments[id]
	if !ok {
		return ticket.Department{}, fmt.Errorf("department %s: %w", id, ErrNotFound)
	}
	cp := *d
	cp.Agents = append([]string(nil), d.Agents...)
	return cp, nil
}

func (m *Memory) NextAgent(ctx context.Context, departmentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.departments[departmentID]
	if !ok {
		return "", fmt.Errorf("department %s: %w", departmentID, ErrNotFound)
	}
	if len(d.Agents) == 0 {
		return "", fmt.Errorf("department %s has no agents: %w", departmentID, ErrNotFound)
	}
	agent := d.Agents[d.RoundRobinPos%len(d.Agents)]
	d.RoundRobinPos = (d.RoundRobinPos + 1) % len(d.Agents)
	return agent, nil
}
