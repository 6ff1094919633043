// Package action turns matched escalation rules into ticket mutations
// and notification jobs.
package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/escalated-dev/escalated-go/internal/events"
	"github.com/escalated-dev/escalated-go/internal/metrics"
	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/store"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// Job mirrors the shape the notification worker pops off the jobs list.
type Job struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NotifyJob is the payload for notify actions.
type NotifyJob struct {
	Channel   string         `json:"channel"`
	Template  string         `json:"template"`
	TicketRef string         `json:"ticket_ref"`
	RuleID    string         `json:"rule_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Executor applies the actions of one fired rule as a single mutation
// set, then publishes the resulting events.
type Executor struct {
	Driver     store.Driver
	Dispatcher *events.Dispatcher
	// RDB queues notify jobs. Nil disables the job queue; notify
	// actions still publish in-process events.
	RDB *redis.Client
}

// Execute applies every action of the match to the ticket and returns
// the resulting snapshot. Mutations from one rule commit together; the
// version guard keeps overlapping passes from clobbering each other.
func (e *Executor) Execute(ctx context.Context, t ticket.Ticket, m rules.Match) (ticket.Ticket, error) {
	ms := ticket.MutationSet{
		Cause:           "rule:" + m.Rule.ID,
		ExpectedVersion: t.Version,
	}
	var evs []events.Event
	var jobs []NotifyJob

	for _, a := range m.Actions {
		if err := a.Validate(); err != nil {
			return t, fmt.Errorf("rule %s: %w", m.Rule.ID, err)
		}
		switch a.Kind {
		case rules.ActionReassign:
			agent := a.AgentID
			if agent == "" {
				var err error
				agent, err = e.Driver.NextAgent(ctx, a.DepartmentID)
				if err != nil {
					return t, fmt.Errorf("rule %s: round robin: %w", m.Rule.ID, err)
				}
			}
			if agent == t.AssigneeID {
				continue
			}
			ms.Mutations = append(ms.Mutations, ticket.Assign(agent))
			evs = append(evs, events.New(events.TicketAssigned, t.Ref, map[string]any{
				"agent_id": agent, "rule_id": m.Rule.ID,
			}))
		case rules.ActionReprioritize:
			if a.Priority == t.Priority {
				continue
			}
			ms.Mutations = append(ms.Mutations, ticket.SetPriority(a.Priority))
			evs = append(evs, events.New(events.TicketPriorityChanged, t.Ref, map[string]any{
				"from": string(t.Priority), "to": string(a.Priority), "rule_id": m.Rule.ID,
			}))
		case rules.ActionAddTag:
			if t.HasTag(a.Tag) {
				continue
			}
			ms.Mutations = append(ms.Mutations, ticket.AddTag(a.Tag))
			evs = append(evs, events.New(events.TagAdded, t.Ref, map[string]any{
				"tag": a.Tag, "rule_id": m.Rule.ID,
			}))
		case rules.ActionEscalate:
			before := len(ms.Mutations)
			if t.Status != ticket.StatusEscalated {
				ms.Mutations = append(ms.Mutations, ticket.SetStatus(ticket.StatusEscalated))
			}
			if a.DepartmentID != "" && a.DepartmentID != t.DepartmentID {
				ms.Mutations = append(ms.Mutations, ticket.SetDepartment(a.DepartmentID))
			}
			if a.AgentID != "" && a.AgentID != t.AssigneeID {
				ms.Mutations = append(ms.Mutations, ticket.Assign(a.AgentID))
			}
			if len(ms.Mutations) == before {
				continue
			}
			evs = append(evs, events.New(events.TicketEscalated, t.Ref, map[string]any{
				"department_id": a.DepartmentID, "agent_id": a.AgentID, "rule_id": m.Rule.ID,
			}))
		case rules.ActionNotify:
			jobs = append(jobs, NotifyJob{
				Channel:   a.Channel,
				Template:  a.Template,
				TicketRef: t.Ref,
				RuleID:    m.Rule.ID,
				Payload:   a.Payload,
			})
			evs = append(evs, events.New(events.NotificationRequested, t.Ref, map[string]any{
				"channel": a.Channel, "template": a.Template, "rule_id": m.Rule.ID,
			}))
		}
		metrics.ActionsAppliedTotal.WithLabelValues(string(a.Kind)).Inc()
	}

	if !ms.Empty() {
		applied, err := e.Driver.ApplyMutation(ctx, t.Ref, ms)
		if err != nil {
			return t, fmt.Errorf("rule %s: %w", m.Rule.ID, err)
		}
		t = applied
	}

	for _, ev := range evs {
		e.Dispatcher.Publish(ctx, ev)
	}
	for _, j := range jobs {
		e.enqueueNotify(ctx, j)
	}
	return t, nil
}

func (e *Executor) enqueueNotify(ctx context.Context, nj NotifyJob) {
	if e.RDB == nil {
		return
	}
	data, err := json.Marshal(nj)
	if err != nil {
		log.Error().Err(err).Str("ticket", nj.TicketRef).Msg("marshal notify job")
		return
	}
	b, _ := json.Marshal(Job{Type: "notify", Data: data})
	if err := e.RDB.LPush(ctx, "jobs", b).Err(); err != nil {
		// Notification delivery is best effort; the escalation itself
		// already committed.
		log.Error().Err(err).Str("ticket", nj.TicketRef).Msg("enqueue notify job")
	}
}
