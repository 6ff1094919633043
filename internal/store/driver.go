// Package store abstracts where ticket state lives. The same engine
// logic runs against a local Postgres store, a local store mirrored to
// the hosted API, or the hosted API alone.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// Mode selects the hosting mode. Decided once at startup.
type Mode string

const (
	ModeSelfHosted Mode = "self_hosted"
	ModeSynced     Mode = "synced"
	ModeCloud      Mode = "cloud"
)

var (
	// ErrUnavailable marks a store that could not be reached. Retryable
	// for the synced mirror path; fatal for a pass in cloud mode.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict marks an optimistic version check failure; the caller
	// should refetch and re-evaluate the ticket.
	ErrConflict = errors.New("ticket version conflict")
	// ErrNotFound marks a missing ticket or department.
	ErrNotFound = errors.New("not found")
)

// Driver is the capability contract consumed by the engine. Mutations
// route through ApplyMutation so every mode observes identical
// semantics.
type Driver interface {
	Mode() Mode

	FetchCandidateTickets(ctx context.Context, f ticket.Filter) ([]ticket.Ticket, error)
	// ApplyMutation applies the set and returns the resulting snapshot.
	ApplyMutation(ctx context.Context, ref string, ms ticket.MutationSet) (ticket.Ticket, error)
	FetchPolicies(ctx context.Context) (map[ticket.Priority]ticket.Policy, error)
	FetchRules(ctx context.Context) ([]rules.Rule, error)

	FetchDepartment(ctx context.Context, id string) (ticket.Department, error)
	// NextAgent advances the department's round-robin pointer and
	// returns the agent it pointed at. Read-modify-write on the store.
	NextAgent(ctx context.Context, departmentID string) (string, error)
}

// Deps carries the collaborators a driver may need.
type Deps struct {
	Local  *Local
	Client *HostedClient
	Queue  MirrorQueue
}

// Open selects the driver for the configured mode.
func Open(mode Mode, d Deps) (Driver, error) {
	switch mode {
	case ModeSelfHosted:
		if d.Local == nil {
			return nil, fmt.Errorf("store: self_hosted mode requires a local store")
		}
		return d.Local, nil
	case ModeSynced:
		if d.Local == nil || d.Queue == nil {
			return nil, fmt.Errorf("store: synced mode requires a local store and a sync queue")
		}
		return &Synced{Local: d.Local, Queue: d.Queue}, nil
	case ModeCloud:
		if d.Client == nil {
			return nil, fmt.Errorf("store: cloud mode requires a hosted API client")
		}
		return &Cloud{Client: d.Client}, nil
	}
	return nil, fmt.Errorf("store: invalid mode %q (must be one of: self_hosted, synced, cloud)", mode)
}
