package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/escalated-dev/escalated-go/internal/ticket"
)

func TestCloudFetchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"tickets": []map[string]any{
			{"ref": "T-1", "status": "open", "priority": "low", "created_at": "2026-03-02T09:00:00Z", "version": 1},
		}})
	})
	cloud := &Cloud{Client: c}
	got, err := cloud.FetchCandidateTickets(context.Background(), ticket.Filter{})
	if err != nil {
		t.Fatalf("fetch after retries: %v", err)
	}
	if len(got) != 1 || got[0].Ref != "T-1" {
		t.Fatalf("unexpected tickets: %+v", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestCloudFetchDoesNotRetryBadRequests(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	})
	cloud := &Cloud{Client: c}
	if _, err := cloud.FetchPolicies(context.Background()); err == nil {
		t.Fatal("want error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestCloudMutationSurfacesUnavailableWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})
	cloud := &Cloud{Client: c}
	_, err := cloud.ApplyMutation(context.Background(), "T-1", ticket.MutationSet{
		Mutations: []ticket.Mutation{ticket.AddTag("x")},
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("mutation retried: calls = %d", calls.Load())
	}
}
