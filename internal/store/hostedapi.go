package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// HostedClient talks to the hosted escalation API. Cloud mode routes
// every store operation through it; synced mode uses EmitEvent to
// mirror local writes.
type HostedClient struct {
	base   string
	apiKey string
	hc     *http.Client
}

// APIError is a non-2xx response from the hosted API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hosted api: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func NewHostedClient(baseURL, apiKey string, timeout time.Duration) (*HostedClient, error) {
	if baseURL == "" {
		return nil, errors.New("hosted api url required")
	}
	if apiKey == "" {
		return nil, errors.New("hosted api key required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HostedClient{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		hc:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *HostedClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient from the
		// caller's point of view.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, apiErr)
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrConflict, apiErr)
		case apiErr.Retryable():
			return fmt.Errorf("%w: %v", ErrUnavailable, apiErr)
		default:
			return apiErr
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiTicket is the wire form of a ticket.
type apiTicket struct {
	Ref                string     `json:"ref"`
	Subject            string     `json:"subject"`
	Status             string     `json:"status"`
	Priority           string     `json:"priority"`
	CreatedAt          time.Time  `json:"created_at"`
	FirstResponseAt    *time.Time `json:"first_response_at"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	ClosedAt           *time.Time `json:"closed_at"`
	DepartmentID       string     `json:"department_id"`
	AssigneeID         string     `json:"assignee_id"`
	Tags               []string   `json:"tags"`
	ResponseBreached   bool       `json:"response_breached"`
	ResolutionBreached bool       `json:"resolution_breached"`
	ResponseWarned     bool       `json:"response_warned"`
	ResolutionWarned   bool       `json:"resolution_warned"`
	Version            int64      `json:"version"`
}

func (a apiTicket) ticket() ticket.Ticket {
	return ticket.Ticket{
		Ref:                a.Ref,
		Subject:            a.Subject,
		Status:             ticket.Status(a.Status),
		Priority:           ticket.Priority(a.Priority),
		CreatedAt:          a.CreatedAt,
		FirstResponseAt:    a.FirstResponseAt,
		ResolvedAt:         a.ResolvedAt,
		ClosedAt:           a.ClosedAt,
		DepartmentID:       a.DepartmentID,
		AssigneeID:         a.AssigneeID,
		Tags:               a.Tags,
		ResponseBreached:   a.ResponseBreached,
		ResolutionBreached: a.ResolutionBreached,
		ResponseWarned:     a.ResponseWarned,
		ResolutionWarned:   a.ResolutionWarned,
		Version:            a.Version,
	}
}

type apiMutation struct {
	Kind       string `json:"kind"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Department string `json:"department_id,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Flag       string `json:"flag,omitempty"`
}

type apiMutationSet struct {
	Cause           string        `json:"cause"`
	ExpectedVersion int64         `json:"expected_version,omitempty"`
	Mutations       []apiMutation `json:"mutations"`
}

func encodeMutationSet(ms ticket.MutationSet) apiMutationSet {
	out := apiMutationSet{Cause: ms.Cause, ExpectedVersion: ms.ExpectedVersion}
	for _, m := range ms.Mutations {
		out.Mutations = append(out.Mutations, apiMutation{
			Kind:       string(m.Kind),
			Status:     string(m.Status),
			Priority:   string(m.Priority),
			AgentID:    m.AgentID,
			Department: m.DepartmentID,
			Tag:        m.Tag,
			Flag:       string(m.Flag),
		})
	}
	return out
}

// FetchTickets lists tickets matching the filter.
func (c *HostedClient) FetchTickets(ctx context.Context, f ticket.Filter) ([]ticket.Ticket, error) {
	q := url.Values{}
	for _, s := range f.Statuses {
		q.Add("status", string(s))
	}
	if f.Priority != "" {
		q.Set("priority", string(f.Priority))
	}
	if f.DepartmentID != "" {
		q.Set("department_id", f.DepartmentID)
	}
	if f.ResolvedBefore != nil {
		q.Set("resolved_before", f.ResolvedBefore.Format(time.RFC3339))
	}
	path := "/tickets"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var resp struct {
		Tickets []apiTicket `json:"tickets"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ticket.Ticket, 0, len(resp.Tickets))
	for _, a := range resp.Tickets {
		out = append(out, a.ticket())
	}
	return out, nil
}

// PostMutations applies a mutation set to a ticket and returns the
// resulting state.
func (c *HostedClient) PostMutations(ctx context.Context, ref string, ms ticket.MutationSet) (ticket.Ticket, error) {
	var resp apiTicket
	err := c.do(ctx, http.MethodPost, "/tickets/"+url.PathEscape(ref)+"/mutations", encodeMutationSet(ms), &resp)
	if err != nil {
		return ticket.Ticket{}, err
	}
	return resp.ticket(), nil
}

// FetchPolicies returns the SLA policy per priority.
func (c *HostedClient) FetchPolicies(ctx context.Context) (map[ticket.Priority]ticket.Policy, error) {
	var resp struct {
		Policies []struct {
			Priority          string  `json:"priority"`
			ResponseMinutes   int     `json:"response_minutes"`
			ResolutionMinutes int     `json:"resolution_minutes"`
			WarningThreshold  float64 `json:"warning_threshold"`
		} `json:"policies"`
	}
	if err := c.do(ctx, http.MethodGet, "/sla/policies", nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[ticket.Priority]ticket.Policy, len(resp.Policies))
	for _, p := range resp.Policies {
		pr := ticket.Priority(p.Priority)
		out[pr] = ticket.Policy{
			Priority:         pr,
			ResponseTarget:   time.Duration(p.ResponseMinutes) * time.Minute,
			ResolutionTarget: time.Duration(p.ResolutionMinutes) * time.Minute,
			WarningThreshold: p.WarningThreshold,
		}
	}
	return out, nil
}

// FetchRules returns the enabled escalation rules, compiled and sorted.
func (c *HostedClient) FetchRules(ctx context.Context) ([]rules.Rule, error) {
	var resp struct {
		Rules []struct {
			ID        string         `json:"id"`
			Name      string         `json:"name"`
			Priority  int            `json:"priority"`
			Condition string         `json:"condition"`
			Actions   []rules.Action `json:"actions"`
			Enabled   bool           `json:"enabled"`
		} `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/escalation/rules", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]rules.Rule, 0, len(resp.Rules))
	for _, r := range resp.Rules {
		if !r.Enabled {
			continue
		}
		rule := rules.Rule{
			ID:        r.ID,
			Name:      r.Name,
			Priority:  r.Priority,
			Condition: r.Condition,
			Actions:   r.Actions,
			Enabled:   true,
		}
		out = append(out, rule)
	}
	rules.Sort(out)
	return out, nil
}

// FetchDepartment returns one department with its agent roster.
func (c *HostedClient) FetchDepartment(ctx context.Context, id string) (ticket.Department, error) {
	var resp struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		Agents        []string `json:"agents"`
		RoundRobinPos int      `json:"round_robin_pos"`
	}
	if err := c.do(ctx, http.MethodGet, "/departments/"+url.PathEscape(id), nil, &resp); err != nil {
		return ticket.Department{}, err
	}
	return ticket.Department{ID: resp.ID, Name: resp.Name, Agents: resp.Agents, RoundRobinPos: resp.RoundRobinPos}, nil
}

// NextAgent asks the hosted API to advance the round-robin pointer.
func (c *HostedClient) NextAgent(ctx context.Context, departmentID string) (string, error) {
	var resp struct {
		AgentID string `json:"agent_id"`
	}
	err := c.do(ctx, http.MethodPost, "/departments/"+url.PathEscape(departmentID)+"/next-agent", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// EmitEvent mirrors one local write to the hosted side. Synced mode's
// drain loop calls this with queued entries.
func (c *HostedClient) EmitEvent(ctx context.Context, op, ticketRef string, payload json.RawMessage) error {
	body := struct {
		Op        string          `json:"op"`
		TicketRef string          `json:"ticket_ref"`
		Payload   json.RawMessage `json:"payload"`
	}{Op: op, TicketRef: ticketRef, Payload: payload}
	return c.do(ctx, http.MethodPost, "/sync/events", body, nil)
}
