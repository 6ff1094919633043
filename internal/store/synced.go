package store

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/syncq"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// MirrorQueue accepts mirror operations for later delivery to the
// hosted API. *syncq.Queue satisfies it.
type MirrorQueue interface {
	Enqueue(ctx context.Context, op, ticketRef string, payload any) (syncq.Entry, error)
}

// Synced reads and writes through the local store and mirrors every
// write onto the sync queue. A mirror failure never fails the local
// write; the entry is lost only if Redis itself rejects the enqueue,
// which is logged.
type Synced struct {
	Local *Local
	Queue MirrorQueue
}

func (s *Synced) Mode() Mode { return ModeSynced }

func (s *Synced) FetchCandidateTickets(ctx context.Context, f ticket.Filter) ([]ticket.Ticket, error) {
	return s.Local.FetchCandidateTickets(ctx, f)
}

func (s *Synced) FetchPolicies(ctx context.Context) (map[ticket.Priority]ticket.Policy, error) {
	return s.Local.FetchPolicies(ctx)
}

func (s *Synced) FetchRules(ctx context.Context) ([]rules.Rule, error) {
	return s.Local.FetchRules(ctx)
}

func (s *Synced) FetchDepartment(ctx context.Context, id string) (ticket.Department, error) {
	return s.Local.FetchDepartment(ctx, id)
}

func (s *Synced) NextAgent(ctx context.Context, departmentID string) (string, error) {
	return s.Local.NextAgent(ctx, departmentID)
}

// mirrorOp names the hosted-side operation for a mutation kind.
func mirrorOp(k ticket.MutationKind) string {
	switch k {
	case ticket.MutSetStatus:
		return "ticket.status_changed"
	case ticket.MutSetPriority:
		return "ticket.priority_changed"
	case ticket.MutAssign:
		return "ticket.assigned"
	case ticket.MutUnassign:
		return "ticket.unassigned"
	case ticket.MutSetDepartment:
		return "ticket.department_changed"
	case ticket.MutAddTag:
		return "ticket.tag_added"
	case ticket.MutRemoveTag:
		return "ticket.tag_removed"
	case ticket.MutSetFlag:
		return "ticket.flag_set"
	case ticket.MutFirstResponse:
		return "ticket.first_response"
	default:
		return "ticket.mutated"
	}
}

type mirrorPayload struct {
	Cause      string `json:"cause"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Department string `json:"department_id,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Flag       string `json:"flag,omitempty"`
	Version    int64  `json:"version"`
}

func (s *Synced) ApplyMutation(ctx context.Context, ref string, ms ticket.MutationSet) (ticket.Ticket, error) {
	t, err := s.Local.ApplyMutation(ctx, ref, ms)
	if err != nil {
		return ticket.Ticket{}, err
	}
	for _, m := range ms.Mutations {
		p := mirrorPayload{
			Cause:      ms.Cause,
			Status:     string(m.Status),
			Priority:   string(m.Priority),
			AgentID:    m.AgentID,
			Department: m.DepartmentID,
			Tag:        m.Tag,
			Flag:       string(m.Flag),
			Version:    t.Version,
		}
		if _, err := s.Queue.Enqueue(ctx, mirrorOp(m.Kind), ref, p); err != nil {
			log.Error().Err(err).Str("ticket", ref).Str("op", mirrorOp(m.Kind)).
				Msg("mirror enqueue failed; local write kept")
		}
	}
	return t, nil
}
