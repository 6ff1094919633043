package ticket

import "time"

// MutationKind identifies a single field mutation.
type MutationKind string

const (
	MutSetStatus     MutationKind = "set_status"
	MutSetPriority   MutationKind = "set_priority"
	MutAssign        MutationKind = "assign"
	MutUnassign      MutationKind = "unassign"
	MutSetDepartment MutationKind = "set_department"
	MutAddTag        MutationKind = "add_tag"
	MutRemoveTag     MutationKind = "remove_tag"
	MutSetFlag       MutationKind = "set_flag"
	MutFirstResponse MutationKind = "first_response"
)

// Flag names a ticket-scoped SLA flag.
type Flag string

const (
	FlagResponseBreached   Flag = "response_breached"
	FlagResolutionBreached Flag = "resolution_breached"
	FlagResponseWarned     Flag = "response_warned"
	FlagResolutionWarned   Flag = "resolution_warned"
)

// Mutation is one field change. Only the field matching Kind is set.
type Mutation struct {
	Kind         MutationKind `json:"kind"`
	Status       Status       `json:"status,omitempty"`
	Priority     Priority     `json:"priority,omitempty"`
	AgentID      string       `json:"agent_id,omitempty"`
	DepartmentID string       `json:"department_id,omitempty"`
	Tag          string       `json:"tag,omitempty"`
	Flag         Flag         `json:"flag,omitempty"`
}

// MutationSet is the unit of work applied through a StoreDriver. All
// mutations in a set come from one trigger (one rule firing or one SLA
// transition) and are applied together where the store supports it.
type MutationSet struct {
	// Cause describes what produced the set, recorded in the activity log.
	Cause string `json:"cause"`
	// ExpectedVersion guards against lost updates from overlapping
	// passes. Zero disables the check.
	ExpectedVersion int64      `json:"expected_version,omitempty"`
	Mutations       []Mutation `json:"mutations"`
}

// Empty reports whether the set contains no mutations.
func (m MutationSet) Empty() bool { return len(m.Mutations) == 0 }

func SetStatus(s Status) Mutation     { return Mutation{Kind: MutSetStatus, Status: s} }
func SetPriority(p Priority) Mutation { return Mutation{Kind: MutSetPriority, Priority: p} }
func Assign(agentID string) Mutation  { return Mutation{Kind: MutAssign, AgentID: agentID} }
func Unassign() Mutation              { return Mutation{Kind: MutUnassign} }
func SetDepartment(id string) Mutation {
	return Mutation{Kind: MutSetDepartment, DepartmentID: id}
}
func AddTag(tag string) Mutation    { return Mutation{Kind: MutAddTag, Tag: tag} }
func RemoveTag(tag string) Mutation { return Mutation{Kind: MutRemoveTag, Tag: tag} }
func SetFlag(f Flag) Mutation       { return Mutation{Kind: MutSetFlag, Flag: f} }
func FirstResponse() Mutation       { return Mutation{Kind: MutFirstResponse} }

// ApplyTo applies the set to an in-memory snapshot. Store drivers use it
// to keep their returned snapshot consistent with what was persisted;
// timestamp side effects (resolved_at, closed_at) mirror the store's
// behavior for status transitions.
func (m MutationSet) ApplyTo(t *Ticket, now func() time.Time) {
	for _, mu := range m.Mutations {
		switch mu.Kind {
		case MutSetStatus:
			t.Status = mu.Status
			switch mu.Status {
			case StatusResolved:
				ts := now()
				t.ResolvedAt = &ts
			case StatusClosed:
				ts := now()
				t.ClosedAt = &ts
			case StatusReopened:
				t.ResolvedAt = nil
				t.ClosedAt = nil
			}
		case MutSetPriority:
			t.Priority = mu.Priority
		case MutAssign:
			t.AssigneeID = mu.AgentID
		case MutUnassign:
			t.AssigneeID = ""
		case MutSetDepartment:
			t.DepartmentID = mu.DepartmentID
		case MutAddTag:
			if !t.HasTag(mu.Tag) {
				t.Tags = append(t.Tags, mu.Tag)
			}
		case MutRemoveTag:
			out := t.Tags[:0]
			for _, tg := range t.Tags {
				if tg != mu.Tag {
					out = append(out, tg)
				}
			}
			t.Tags = out
		case MutSetFlag:
			switch mu.Flag {
			case FlagResponseBreached:
				t.ResponseBreached = true
			case FlagResolutionBreached:
				t.ResolutionBreached = true
			case FlagResponseWarned:
				t.ResponseWarned = true
			case FlagResolutionWarned:
				t.ResolutionWarned = true
			}
		case MutFirstResponse:
			if t.FirstResponseAt == nil {
				ts := now()
				t.FirstResponseAt = &ts
			}
		}
	}
	t.Version++
}
