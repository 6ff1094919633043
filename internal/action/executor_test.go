package action

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/escalated-dev/escalated-go/internal/events"
	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/store"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

func seedTicket() ticket.Ticket {
	return ticket.Ticket{
		Ref:          "T-1",
		Subject:      "vpn down",
		Status:       ticket.StatusOpen,
		Priority:     ticket.PriorityHigh,
		CreatedAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		DepartmentID: "support",
		Version:      1,
	}
}

func newExecutor(t *testing.T) (*Executor, *store.Memory, *events.Dispatcher) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutTicket(seedTicket())
	mem.PutDepartment(ticket.Department{ID: "tier2", Name: "Tier 2", Agents: []string{"alice", "bob"}})
	d := events.NewDispatcher()
	return &Executor{Driver: mem, Dispatcher: d}, mem, d
}

func match(actions ...rules.Action) rules.Match {
	return rules.Match{
		Rule:    &rules.Rule{ID: "r1", Name: "test rule", Priority: 1},
		Actions: actions,
	}
}

func TestExecuteEscalateMovesAndRetags(t *testing.T) {
	ex, mem, disp := newExecutor(t)
	var seen []events.Type
	for _, typ := range []events.Type{events.TicketEscalated, events.TagAdded} {
		typ := typ
		disp.Subscribe(typ, 0, func(ctx context.Context, ev events.Event) error {
			seen = append(seen, ev.Type)
			return nil
		})
	}

	got, err := ex.Execute(context.Background(), seedTicket(), match(
		rules.Action{Kind: rules.ActionEscalate, DepartmentID: "tier2"},
		rules.Action{Kind: rules.ActionAddTag, Tag: "escalation-level-1"},
	))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != ticket.StatusEscalated || got.DepartmentID != "tier2" || !got.HasTag("escalation-level-1") {
		t.Fatalf("unexpected result: %+v", got)
	}
	// One rule firing commits as one version bump.
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	stored, _ := mem.Ticket("T-1")
	if stored.Status != ticket.StatusEscalated {
		t.Fatalf("store not updated: %+v", stored)
	}
	if len(seen) != 2 {
		t.Fatalf("events = %v", seen)
	}
	acts := mem.Activities()
	if len(acts) != 1 || acts[0].Cause != "rule:r1" {
		t.Fatalf("activities = %+v", acts)
	}
}

func TestExecuteRoundRobinReassign(t *testing.T) {
	ex, mem, _ := newExecutor(t)
	m := match(rules.Action{Kind: rules.ActionReassign, DepartmentID: "tier2", RoundRobin: true})

	got, err := ex.Execute(context.Background(), seedTicket(), m)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.AssigneeID != "alice" {
		t.Fatalf("assignee = %q, want alice", got.AssigneeID)
	}
	// Pointer advanced, so the next ticket lands on bob.
	mem.PutTicket(ticket.Ticket{Ref: "T-2", Status: ticket.StatusOpen, Priority: ticket.PriorityLow, CreatedAt: time.Now(), Version: 1})
	t2, _ := mem.Ticket("T-2")
	got2, err := ex.Execute(context.Background(), t2, m)
	if err != nil {
		t.Fatalf("execute second: %v", err)
	}
	if got2.AssigneeID != "bob" {
		t.Fatalf("second assignee = %q, want bob", got2.AssigneeID)
	}
}

func TestExecuteEscalateRerunFiresNothing(t *testing.T) {
	ex, mem, disp := newExecutor(t)
	var escalations int
	disp.Subscribe(events.TicketEscalated, 0, func(ctx context.Context, ev events.Event) error {
		escalations++
		return nil
	})

	m := match(rules.Action{Kind: rules.ActionEscalate, DepartmentID: "tier2"})
	first, err := ex.Execute(context.Background(), seedTicket(), m)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if escalations != 1 {
		t.Fatalf("first run published %d escalation events", escalations)
	}

	// The rule condition still matches on the next pass; an already
	// escalated ticket must produce neither a commit nor an event.
	again, err := ex.Execute(context.Background(), first, m)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if again.Version != first.Version {
		t.Fatalf("rerun committed, version %d -> %d", first.Version, again.Version)
	}
	if escalations != 1 {
		t.Fatalf("rerun duplicated the escalation event, got %d", escalations)
	}
	if acts := mem.Activities(); len(acts) != 1 {
		t.Fatalf("rerun recorded activity: %+v", acts)
	}
}

func TestExecuteSkipsNoopActions(t *testing.T) {
	ex, _, _ := newExecutor(t)
	start := seedTicket()
	got, err := ex.Execute(context.Background(), start, match(
		rules.Action{Kind: rules.ActionReprioritize, Priority: ticket.PriorityHigh},
	))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Version != start.Version {
		t.Fatalf("no-op action must not commit, version %d -> %d", start.Version, got.Version)
	}
}

func TestExecuteInvalidActionFailsRule(t *testing.T) {
	ex, mem, _ := newExecutor(t)
	_, err := ex.Execute(context.Background(), seedTicket(), match(
		rules.Action{Kind: rules.ActionReassign},
	))
	if err == nil {
		t.Fatal("want validation error")
	}
	stored, _ := mem.Ticket("T-1")
	if stored.Version != 1 {
		t.Fatalf("failed rule must not mutate, version = %d", stored.Version)
	}
}

func TestExecuteNotifyQueuesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ex, _, disp := newExecutor(t)
	ex.RDB = rdb

	var notified bool
	disp.Subscribe(events.NotificationRequested, 0, func(ctx context.Context, ev events.Event) error {
		notified = true
		return nil
	})

	got, err := ex.Execute(context.Background(), seedTicket(), match(
		rules.Action{Kind: rules.ActionNotify, Channel: "email", Template: "sla_breach_manager", Payload: map[string]any{"manager": "m@example.com"}},
	))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("notify must not mutate the ticket, version = %d", got.Version)
	}
	if !notified {
		t.Fatal("notification event not published")
	}
	raw, err := rdb.RPop(context.Background(), "jobs").Result()
	if err != nil {
		t.Fatalf("pop job: %v", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Type != "notify" {
		t.Fatalf("job type = %q", job.Type)
	}
	var nj NotifyJob
	if err := json.Unmarshal(job.Data, &nj); err != nil {
		t.Fatalf("decode notify payload: %v", err)
	}
	if nj.Template != "sla_breach_manager" || nj.TicketRef != "T-1" || nj.RuleID != "r1" {
		t.Fatalf("notify job = %+v", nj)
	}
}
