// Package rules evaluates escalation rule conditions against ticket
// snapshots. Conditions are structured predicates parsed from a small
// expression language, e.g.
//
//	status = open AND priority >= high AND age > 2h AND NOT has_tag(escalated)
package rules

import (
	"fmt"
	"sort"

	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// ActionKind identifies an escalation action.
type ActionKind string

const (
	ActionReassign     ActionKind = "reassign"
	ActionReprioritize ActionKind = "reprioritize"
	ActionAddTag       ActionKind = "add_tag"
	ActionNotify       ActionKind = "notify"
	ActionEscalate     ActionKind = "escalate"
)

// Action is one configured consequence of a rule firing. Fields beyond
// Kind are populated per kind.
type Action struct {
	Kind ActionKind `json:"kind"`
	// Reassign: either a fixed agent or round-robin over a department.
	AgentID      string `json:"agent_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	RoundRobin   bool   `json:"round_robin,omitempty"`
	// Reprioritize.
	Priority ticket.Priority `json:"priority,omitempty"`
	// AddTag.
	Tag string `json:"tag,omitempty"`
	// Notify.
	Channel  string         `json:"channel,omitempty"`
	Template string         `json:"template,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Validate checks that the action carries the fields its kind needs.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionReassign:
		if a.AgentID == "" && !(a.RoundRobin && a.DepartmentID != "") {
			return fmt.Errorf("reassign action needs an agent or a round-robin department")
		}
	case ActionReprioritize:
		if !a.Priority.Valid() {
			return fmt.Errorf("reprioritize action has invalid priority %q", a.Priority)
		}
	case ActionAddTag:
		if a.Tag == "" {
			return fmt.Errorf("add_tag action needs a tag")
		}
	case ActionNotify:
		if a.Channel == "" || a.Template == "" {
			return fmt.Errorf("notify action needs channel and template")
		}
	case ActionEscalate:
		if a.AgentID == "" && a.DepartmentID == "" {
			return fmt.Errorf("escalate action needs a target agent or department")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Rule is one escalation rule. Lower Priority evaluates first; ties are
// broken by ID for determinism.
type Rule struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Priority  int      `json:"priority"`
	Condition string   `json:"condition"`
	Actions   []Action `json:"actions"`
	Enabled   bool     `json:"enabled"`

	cond Expr
}

// Compile parses the condition. It is called lazily by Matches but can
// be invoked up front to surface configuration problems early.
func (r *Rule) Compile() error {
	if r.cond != nil {
		return nil
	}
	e, err := Parse(r.Condition)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.cond = e
	return nil
}

// Matches evaluates the rule condition against a snapshot.
func (r *Rule) Matches(s Snapshot) (bool, error) {
	if err := r.Compile(); err != nil {
		return false, err
	}
	return r.cond.Eval(s)
}

// Sort orders rules by priority then ID, in place.
func Sort(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// Match pairs a fired rule with its declared actions.
type Match struct {
	Rule    *Rule
	Actions []Action
}

// Ordered returns the enabled rules sorted for evaluation, leaving the
// input untouched. Callers match each rule against a fresh snapshot so
// earlier firings are visible to later conditions.
func Ordered(rs []Rule) []Rule {
	out := make([]Rule, 0, len(rs))
	for _, r := range rs {
		if r.Enabled {
			out = append(out, r)
		}
	}
	Sort(out)
	return out
}
