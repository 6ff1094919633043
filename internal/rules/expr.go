package rules

import (
	"fmt"
	"time"

	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// Snapshot is the fixed ticket view a condition evaluates against.
type Snapshot struct {
	Ticket *ticket.Ticket
	Now    time.Time
}

// NewSnapshot captures t at instant now.
func NewSnapshot(t *ticket.Ticket, now time.Time) Snapshot {
	return Snapshot{Ticket: t, Now: now}
}

// Expr is a parsed condition predicate.
type Expr interface {
	Eval(s Snapshot) (bool, error)
	String() string
}

type andExpr struct{ l, r Expr }

func (e andExpr) Eval(s Snapshot) (bool, error) {
	ok, err := e.l.Eval(s)
	if err != nil || !ok {
		return false, err
	}
	return e.r.Eval(s)
}

func (e andExpr) String() string { return fmt.Sprintf("(%s AND %s)", e.l, e.r) }

type orExpr struct{ l, r Expr }

func (e orExpr) Eval(s Snapshot) (bool, error) {
	ok, err := e.l.Eval(s)
	if err != nil || ok {
		return ok, err
	}
	return e.r.Eval(s)
}

func (e orExpr) String() string { return fmt.Sprintf("(%s OR %s)", e.l, e.r) }

type notExpr struct{ inner Expr }

func (e notExpr) Eval(s Snapshot) (bool, error) {
	ok, err := e.inner.Eval(s)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (e notExpr) String() string { return fmt.Sprintf("(NOT %s)", e.inner) }

type hasTagExpr struct{ tag string }

func (e hasTagExpr) Eval(s Snapshot) (bool, error) {
	return s.Ticket.HasTag(e.tag), nil
}

func (e hasTagExpr) String() string { return fmt.Sprintf("has_tag(%s)", e.tag) }

// boolAttrExpr is a bare boolean attribute reference, e.g. `unassigned`.
type boolAttrExpr struct{ attr string }

func (e boolAttrExpr) Eval(s Snapshot) (bool, error) {
	return boolAttr(e.attr, s)
}

func (e boolAttrExpr) String() string { return e.attr }

// literal is a comparison right-hand side.
type literal struct {
	raw   string
	isDur bool
	dur   time.Duration
}

type cmpExpr struct {
	attr string
	op   string
	lit  literal
}

func (e cmpExpr) String() string { return fmt.Sprintf("%s %s %s", e.attr, e.op, e.lit.raw) }

func (e cmpExpr) Eval(s Snapshot) (bool, error) {
	t := s.Ticket
	switch e.attr {
	case "status":
		rhs := ticket.Status(e.lit.raw)
		if !rhs.Valid() {
			return false, fmt.Errorf("unknown status %q", e.lit.raw)
		}
		return cmpInt(t.Status.Rank(), rhs.Rank(), e.op)
	case "priority":
		rhs := ticket.Priority(e.lit.raw)
		if !rhs.Valid() {
			return false, fmt.Errorf("unknown priority %q", e.lit.raw)
		}
		return cmpInt(t.Priority.Rank(), rhs.Rank(), e.op)
	case "department":
		return cmpString(t.DepartmentID, e.lit.raw, e.op)
	case "assignee":
		return cmpString(t.AssigneeID, e.lit.raw, e.op)
	case "age":
		if !e.lit.isDur {
			return false, fmt.Errorf("age compares against a duration, got %q", e.lit.raw)
		}
		return cmpDur(t.Age(s.Now), e.lit.dur, e.op)
	case "age_since_response":
		if !e.lit.isDur {
			return false, fmt.Errorf("age_since_response compares against a duration, got %q", e.lit.raw)
		}
		if t.FirstResponseAt == nil {
			// No response yet: the derived attribute is undefined, so the
			// comparison simply does not hold.
			return false, nil
		}
		return cmpDur(s.Now.Sub(*t.FirstResponseAt), e.lit.dur, e.op)
	case "unassigned", "first_responded", "response_breached", "resolution_breached", "sla_breached":
		b, err := boolAttr(e.attr, s)
		if err != nil {
			return false, err
		}
		switch e.lit.raw {
		case "true":
			return cmpBool(b, true, e.op)
		case "false":
			return cmpBool(b, false, e.op)
		}
		return false, fmt.Errorf("%s compares against true/false, got %q", e.attr, e.lit.raw)
	}
	return false, fmt.Errorf("unknown attribute %q", e.attr)
}

func boolAttr(name string, s Snapshot) (bool, error) {
	t := s.Ticket
	switch name {
	case "unassigned":
		return t.AssigneeID == "", nil
	case "first_responded":
		return t.FirstResponseAt != nil, nil
	case "response_breached":
		return t.ResponseBreached, nil
	case "resolution_breached":
		return t.ResolutionBreached, nil
	case "sla_breached":
		return t.ResponseBreached || t.ResolutionBreached, nil
	}
	return false, fmt.Errorf("unknown attribute %q", name)
}

func cmpInt(a, b int, op string) (bool, error) {
	switch op {
	case "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case ">":
		return a > b, nil
	case "<=":
		return a <= b, nil
	case ">=":
		return a >= b, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func cmpDur(a, b time.Duration, op string) (bool, error) {
	switch op {
	case "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case ">":
		return a > b, nil
	case "<=":
		return a <= b, nil
	case ">=":
		return a >= b, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func cmpString(a, b, op string) (bool, error) {
	switch op {
	case "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	}
	return false, fmt.Errorf("operator %q not defined for string attributes", op)
}

func cmpBool(a, b bool, op string) (bool, error) {
	switch op {
	case "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	}
	return false, fmt.Errorf("operator %q not defined for boolean attributes", op)
}
