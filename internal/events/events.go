// Package events carries the engine's typed domain events. Subscribers
// are registered at process start and invoked synchronously in priority
// order after a mutation commits; a best-effort copy of every event is
// also published on the Redis "events" channel for external consumers.
package events

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Type identifies a lifecycle event.
type Type string

const (
	TicketAssigned        Type = "ticket_assigned"
	TicketStatusChanged   Type = "ticket_status_changed"
	TicketPriorityChanged Type = "ticket_priority_changed"
	TicketDepartmentMoved Type = "ticket_department_changed"
	TicketEscalated       Type = "ticket_escalated"
	TicketClosed          Type = "ticket_closed"
	TagAdded              Type = "tag_added"
	SLABreached           Type = "sla_breached"
	SLAWarning            Type = "sla_warning"
	NotificationRequested Type = "notification_requested"
)

// Event is one emitted domain event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	TicketRef string         `json:"ticket_ref"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(typ Type, ref string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TicketRef: ref,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler consumes an event. Errors are logged, never propagated to the
// emitter.
type Handler func(ctx context.Context, ev Event) error

type subscriber struct {
	priority int
	seq      int
	fn       Handler
}

// Dispatcher fans events out to in-process subscribers.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[Type][]subscriber
	seq  int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[Type][]subscriber)}
}

// Subscribe registers a handler for typ. Lower priority runs first;
// registration order breaks ties.
func (d *Dispatcher) Subscribe(typ Type, priority int, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	subs := append(d.subs[typ], subscriber{priority: priority, seq: d.seq, fn: fn})
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	d.subs[typ] = subs
}

// Publish delivers ev to every subscriber in order. A failing handler is
// logged and does not stop the rest.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	d.mu.RLock()
	subs := append([]subscriber(nil), d.subs[ev.Type]...)
	d.mu.RUnlock()
	for _, s := range subs {
		if err := s.fn(ctx, ev); err != nil {
			log.Error().Err(err).Str("event", string(ev.Type)).Str("ticket", ev.TicketRef).Msg("event handler")
		}
	}
}

// PublishRedis mirrors ev onto the Redis events channel. Best effort;
// errors are ignored.
func PublishRedis(ctx context.Context, rdb *redis.Client, ev Event) {
	if rdb == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = rdb.Publish(ctx, "events", b).Err()
}
