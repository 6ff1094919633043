package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/escalated-dev/escalated-go/internal/ticket"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*HostedClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHostedClient(srv.URL, "test-key", 2*time.Second)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c, srv
}

func TestHostedClientAuthAndDecode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		if r.URL.Path != "/tickets" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query()["status"]; len(got) != 2 {
			t.Errorf("status params = %v", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"tickets": []map[string]any{
			{"ref": "T-9", "status": "open", "priority": "high", "created_at": "2026-03-02T09:00:00Z", "version": 2},
		}})
	})
	got, err := c.FetchTickets(context.Background(), ticket.Filter{
		Statuses: []ticket.Status{ticket.StatusOpen, ticket.StatusReopened},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].Ref != "T-9" || got[0].Version != 2 {
		t.Fatalf("unexpected tickets: %+v", got)
	}
}

func TestHostedClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := c.PostMutations(context.Background(), "T-1", ticket.MutationSet{})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: want %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestHostedClientBadRequestNotRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad condition", http.StatusBadRequest)
	})
	_, err := c.FetchRules(context.Background())
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("4xx must not look transient, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("want APIError 400, got %v", err)
	}
}

func TestHostedClientPostMutations(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tickets/T-1/mutations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body apiMutationSet
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.ExpectedVersion != 3 || len(body.Mutations) != 1 || body.Mutations[0].Kind != "set_status" {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(apiTicket{Ref: "T-1", Status: "escalated", Version: 4})
	})
	got, err := c.PostMutations(context.Background(), "T-1", ticket.MutationSet{
		ExpectedVersion: 3,
		Mutations:       []ticket.Mutation{ticket.SetStatus(ticket.StatusEscalated)},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got.Status != ticket.StatusEscalated || got.Version != 4 {
		t.Fatalf("unexpected ticket: %+v", got)
	}
}

func TestHostedClientEmitEvent(t *testing.T) {
	var seen struct {
		Op        string          `json:"op"`
		TicketRef string          `json:"ticket_ref"`
		Payload   json.RawMessage `json:"payload"`
	}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/events" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&seen)
		w.WriteHeader(http.StatusAccepted)
	})
	if err := c.EmitEvent(context.Background(), "ticket.assigned", "T-1", json.RawMessage(`{"agent_id":"alice"}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if seen.Op != "ticket.assigned" || seen.TicketRef != "T-1" {
		t.Fatalf("server saw %+v", seen)
	}
}

func TestHostedClientRulesSkipDisabled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"rules": []map[string]any{
			{"id": "r2", "name": "b", "priority": 5, "condition": "status = open", "actions": []any{}, "enabled": true},
			{"id": "r1", "name": "a", "priority": 5, "condition": "status = open", "actions": []any{}, "enabled": false},
		}})
	})
	got, err := c.FetchRules(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("unexpected rules: %+v", got)
	}
}
