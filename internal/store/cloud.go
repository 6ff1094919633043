package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/escalated-dev/escalated-go/internal/rules"
	"github.com/escalated-dev/escalated-go/internal/ticket"
)

// Cloud routes every store operation through the hosted API. Read paths
// retry transient failures a few times; mutations are attempted once so
// the caller decides whether repeating them is safe.
type Cloud struct {
	Client *HostedClient
}

func (c *Cloud) Mode() Mode { return ModeCloud }

func (c *Cloud) backoff() retry.Backoff {
	b := retry.NewExponential(500 * time.Millisecond)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(3, b)
}

func fetchRetry[T any](ctx context.Context, c *Cloud, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Cloud) FetchCandidateTickets(ctx context.Context, f ticket.Filter) ([]ticket.Ticket, error) {
	return fetchRetry(ctx, c, func(ctx context.Context) ([]ticket.Ticket, error) {
		return c.Client.FetchTickets(ctx, f)
	})
}

func (c *Cloud) FetchPolicies(ctx context.Context) (map[ticket.Priority]ticket.Policy, error) {
	return fetchRetry(ctx, c, func(ctx context.Context) (map[ticket.Priority]ticket.Policy, error) {
		return c.Client.FetchPolicies(ctx)
	})
}

func (c *Cloud) FetchRules(ctx context.Context) ([]rules.Rule, error) {
	return fetchRetry(ctx, c, func(ctx context.Context) ([]rules.Rule, error) {
		return c.Client.FetchRules(ctx)
	})
}

func (c *Cloud) FetchDepartment(ctx context.Context, id string) (ticket.Department, error) {
	return fetchRetry(ctx, c, func(ctx context.Context) (ticket.Department, error) {
		return c.Client.FetchDepartment(ctx, id)
	})
}

// ApplyMutation is not retried: the hosted side may have applied the
// set even when the response was lost. ErrUnavailable surfaces to the
// pass, which skips the ticket and reports it.
func (c *Cloud) ApplyMutation(ctx context.Context, ref string, ms ticket.MutationSet) (ticket.Ticket, error) {
	return c.Client.PostMutations(ctx, ref, ms)
}

// NextAgent advances server-side state, so like mutations it is not
// retried.
func (c *Cloud) NextAgent(ctx context.Context, departmentID string) (string, error) {
	return c.Client.NextAgent(ctx, departmentID)
}
