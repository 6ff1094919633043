package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// DB is the subset of pgxpool.Pool the local store needs, kept narrow so
// tests can substitute a fake.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Local is the authoritative Postgres-backed store used in self_hosted
// and synced modes.
type Local struct {
	db  DB
	now func() time.Time
}

// NewLocal wraps a database handle.
func NewLocal(db DB) *Local {
	return &Local{db: db, now: time.Now}
}

func (l *Local) Mode() Mode { return ModeSelfHosted }

const ticketColumns = `t.ref, t.subject, t.status, t.priority, t.created_at,
	t.first_response_at, t.resolved_at, t.closed_at,
	coalesce(t.department_id, ''), coalesce(t.assignee_id, ''),
	t.response_breached, t.resolution_breached, t.response_warned, t.resolution_warned,
	t.version,
	(select coalesce(array_agg(tt.tag order by tt.tag), '{}') from ticket_tags tt where tt.ticket_ref = t.ref)`

func scanTicket(row pgx.Row) (ticket.Ticket, error) {
	var t ticket.Ticket
	err := row.Scan(&t.Ref, &t.Subject, &t.Status, &t.Priority, &t.CreatedAt,
		&t.FirstResponseAt, &t.ResolvedAt, &t.ClosedAt,
		&t.DepartmentID, &t.AssigneeID,
		&t.ResponseBreached, &t.ResolutionBreached, &t.ResponseWarned, &t.ResolutionWarned,
		&t.Version, &t.Tags)
	return t, err
}

func (l *Local) FetchCandidateTickets(ctx context.Context, f ticket.Filter) ([]ticket.Ticket, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "t.status = any("+arg(ss)+")")
	}
	if f.Priority != "" {
		where = append(where, "t.priority = "+arg(string(f.Priority)))
	}
	if f.DepartmentID != "" {
		where = append(where, "t.department_id = "+arg(f.DepartmentID))
	}
	if f.ResolvedBefore != nil {
		where = append(where, "t.resolved_at is not null and t.resolved_at < "+arg(*f.ResolvedBefore))
	}
	q := "select " + ticketColumns + " from tickets t"
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by t.created_at"

	rows, err := l.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch tickets: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyMutation commits the set as one version-guarded row update plus
// tag and activity writes. Tag and activity statements run after the
// guarded update; they are idempotent, so a failure mid-set is reported
// and safe to retry.
func (l *Local) ApplyMutation(ctx context.Context, ref string, ms ticket.MutationSet) (ticket.Ticket, error) {
	set := []string{"version = version + 1", "updated_at = now()"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	var tagOps []ticket.Mutation
	for _, mu := range ms.Mutations {
		switch mu.Kind {
		case ticket.MutSetStatus:
			set = append(set, "status = "+arg(string(mu.Status)))
			switch mu.Status {
			case ticket.StatusResolved:
				set = append(set, "resolved_at = now()")
			case ticket.StatusClosed:
				set = append(set, "closed_at = now()")
			case ticket.StatusReopened:
				set = append(set, "resolved_at = null", "closed_at = null")
			}
		case ticket.MutSetPriority:
			set = append(set, "priority = "+arg(string(mu.Priority)))
		case ticket.MutAssign:
			set = append(set, "assignee_id = "+arg(mu.AgentID))
		case ticket.MutUnassign:
			set = append(set, "assignee_id = null")
		case ticket.MutSetDepartment:
			set = append(set, "department_id = "+arg(mu.DepartmentID))
		case ticket.MutSetFlag:
			switch mu.Flag {
			case ticket.FlagResponseBreached:
				set = append(set, "response_breached = true")
			case ticket.FlagResolutionBreached:
				set = append(set, "resolution_breached = true")
			case ticket.FlagResponseWarned:
				set = append(set, "response_warned = true")
			case ticket.FlagResolutionWarned:
				set = append(set, "resolution_warned = true")
			default:
				return ticket.Ticket{}, fmt.Errorf("unknown flag %q", mu.Flag)
			}
		case ticket.MutFirstResponse:
			set = append(set, "first_response_at = coalesce(first_response_at, now())")
		case ticket.MutAddTag, ticket.MutRemoveTag:
			tagOps = append(tagOps, mu)
		default:
			return ticket.Ticket{}, fmt.Errorf("unknown mutation kind %q", mu.Kind)
		}
	}

	q := "update tickets t set " + strings.Join(set, ", ") +
		" where t.ref = " + arg(ref) +
		" and (" + arg(ms.ExpectedVersion) + "::bigint = 0 or t.version = " + arg(ms.ExpectedVersion) + ")" +
		" returning " + ticketColumns
	t, err := scanTicket(l.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the ticket is gone or the version moved underneath us.
		var n int
		if e2 := l.db.QueryRow(ctx, "select 1 from tickets where ref=$1", ref).Scan(&n); e2 != nil {
			return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", ref, ErrNotFound)
		}
		return ticket.Ticket{}, fmt.Errorf("ticket %s: %w", ref, ErrConflict)
	}
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("%w: apply mutation: %v", ErrUnavailable, err)
	}

	for _, mu := range tagOps {
		switch mu.Kind {
		case ticket.MutAddTag:
			_, err = l.db.Exec(ctx,
				"insert into ticket_tags (ticket_ref, tag) values ($1, $2) on conflict do nothing",
				ref, mu.Tag)
		case ticket.MutRemoveTag:
			_, err = l.db.Exec(ctx,
				"delete from ticket_tags where ticket_ref = $1 and tag = $2", ref, mu.Tag)
		}
		if err != nil {
			return t, fmt.Errorf("%w: tag op on %s: %v", ErrUnavailable, ref, err)
		}
		switch mu.Kind {
		case ticket.MutAddTag:
			if !t.HasTag(mu.Tag) {
				t.Tags = append(t.Tags, mu.Tag)
			}
		case ticket.MutRemoveTag:
			kept := t.Tags[:0]
			for _, tg := range t.Tags {
				if tg != mu.Tag {
					kept = append(kept, tg)
				}
			}
			t.Tags = kept
		}
	}

	props, _ := json.Marshal(ms)
	if _, err := l.db.Exec(ctx,
		"insert into ticket_activities (ticket_ref, kind, properties) values ($1, $2, $3)",
		ref, ms.Cause, props); err != nil {
		return t, fmt.Errorf("%w: record activity for %s: %v", ErrUnavailable, ref, err)
	}
	return t, nil
}

func (l *Local) FetchPolicies(ctx context.Context) (map[ticket.Priority]ticket.Policy, error) {
	rows, err := l.db.Query(ctx,
		"select priority, response_target_mins, resolution_target_mins, warning_threshold from sla_policies")
	if err != nil {
		return nil, fmt.Errorf("%w: fetch policies: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	out := map[ticket.Priority]ticket.Policy{}
	for rows.Next() {
		var (
			p           ticket.Policy
			respM, resM int
		)
		if err := rows.Scan(&p.Priority, &respM, &resM, &p.WarningThreshold); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.ResponseTarget = time.Duration(respM) * time.Minute
		p.ResolutionTarget = time.Duration(resM) * time.Minute
		out[p.Priority] = p
	}
	return out, rows.Err()
}

func (l *Local) FetchRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := l.db.Query(ctx,
		"select id, name, priority, condition, actions, enabled from escalation_rules where enabled order by priority, id")
	if err != nil {
		return nil, fmt.Errorf("%w: fetch rules: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []rules.Rule
	for rows.Next() {
		var (
			r       rules.Rule
			actions []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &r.Condition, &actions, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return nil, fmt.Errorf("rule %s actions: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Local) FetchDepartment(ctx context.Context, id string) (ticket.Department, error) {
	var d ticket.Department
	err := l.db.QueryRow(ctx,
		"select id, name, rr_pos from departments where id=$1", id).
		Scan(&d.ID, &d.Name, &d.RoundRobinPos)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, fmt.Errorf("department %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("%w: fetch department: %v", ErrUnavailable, err)
	}
	rows, err := l.db.Query(ctx,
		"select agent_id from department_agents where department_id=$1 order by position", id)
	if err != nil {
		return d, fmt.Errorf("%w: fetch agents: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return d, err
		}
		d.Agents = append(d.Agents, a)
	}
	return d, rows.Err()
}

// NextAgent advances the round-robin pointer with an optimistic retry
// loop so concurrent passes never hand out the same slot.
func (l *Local) NextAgent(ctx context.Context, departmentID string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var pos int
		var version int64
		err := l.db.QueryRow(ctx,
			"select rr_pos, version from departments where id=$1", departmentID).
			Scan(&pos, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("department %s: %w", departmentID, ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("%w: round robin read: %v", ErrUnavailable, err)
		}
		var agents []string
		rows, err := l.db.Query(ctx,
			"select agent_id from department_agents where department_id=$1 order by position", departmentID)
		if err != nil {
			return "", fmt.Errorf("%w: round robin agents: %v", ErrUnavailable, err)
		}
		for rows.Next() {
			var a string
			if err := rows.Scan(&a); err != nil {
				rows.Close()
				return "", err
			}
			agents = append(agents, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return "", err
		}
		if len(agents) == 0 {
			return "", fmt.Errorf("department %s has no agents: %w", departmentID, ErrNotFound)
		}
		agent := agents[pos%len(agents)]
		tag, err := l.db.Exec(ctx,
			"update departments set rr_pos=$1, version=version+1 where id=$2 and version=$3",
			(pos+1)%len(agents), departmentID, version)
		if err != nil {
			return "", fmt.Errorf("%w: round robin advance: %v", ErrUnavailable, err)
		}
		if tag.RowsAffected() == 1 {
			return agent, nil
		}
		// Lost the race; reread and try again.
	}
	return "", fmt.Errorf("department %s: %w", departmentID, ErrConflict)
}
