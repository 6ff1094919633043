// Package syncq is the durable retry queue between local mutations and
// the hosted API. Entries are FIFO per ticket reference and unordered
// across tickets. Enqueue only persists; a separate drain step, driven
// by the scheduler tick, performs the network calls.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/escalated-dev/escalated-go/internal/metrics"
	"github.com/escalated-dev/escalated-go/internal/ratelimit"
)

const (
	keyTickets = "sync:tickets"
	keyDead    = "sync:dead"
)

func keyList(ref string) string { return "sync:t:" + ref }
func keyEntry(id string) string { return "sync:e:" + id }
func keyLock(ref string) string { return "sync:lock:" + ref }

// Entry is one pending mirror operation.
type Entry struct {
	ID          string          `json:"id"`
	Op          string          `json:"op"`
	TicketRef   string          `json:"ticket_ref"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	Terminal    bool            `json:"terminal"`
	LastError   string          `json:"last_error,omitempty"`
}

// Config tunes retry behavior.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	LockTTL     time.Duration
	// Limiter bounds outbound delivery rate during a drain. Optional.
	Limiter *rate.Limiter
	// Shared caps delivery across every process draining this queue.
	// Optional; a drain that exhausts the shared budget stops and
	// leaves the remainder for the next run.
	Shared *ratelimit.Limiter
}

// DefaultConfig mirrors the hosted API's documented retry budget.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 8,
		LockTTL:     time.Minute,
	}
}

// Queue is a Redis-backed sync queue.
type Queue struct {
	rdb *redis.Client
	cfg Config
	now func() time.Time
}

func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	return &Queue{rdb: rdb, cfg: cfg, now: time.Now}
}

// Enqueue persists one operation for later delivery, preserving per
// ticket FIFO order.
func (q *Queue) Enqueue(ctx context.Context, op, ref string, payload any) (Entry, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("syncq: marshal payload: %w", err)
	}
	e := Entry{
		ID:         uuid.NewString(),
		Op:         op,
		TicketRef:  ref,
		Payload:    b,
		EnqueuedAt: q.now().UTC(),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("syncq: marshal entry: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, keyEntry(e.ID), raw, 0)
	pipe.RPush(ctx, keyList(ref), e.ID)
	pipe.SAdd(ctx, keyTickets, ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return Entry{}, fmt.Errorf("syncq: enqueue: %w", err)
	}
	metrics.SyncEnqueuedTotal.Inc()
	return e, nil
}

// PendingTickets returns the ticket refs with undelivered entries.
func (q *Queue) PendingTickets(ctx context.Context) ([]string, error) {
	return q.rdb.SMembers(ctx, keyTickets).Result()
}

// DeadLetters returns terminally failed entries for operator attention.
// They stay queued until explicitly acknowledged.
func (q *Queue) DeadLetters(ctx context.Context) ([]Entry, error) {
	ids, err := q.rdb.LRange(ctx, keyDead, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := q.getEntry(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *Queue) getEntry(ctx context.Context, id string) (Entry, error) {
	raw, err := q.rdb.Get(ctx, keyEntry(id)).Bytes()
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (q *Queue) putEntry(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, keyEntry(e.ID), raw, 0).Err()
}

// Backoff returns the delay before the given (1-based) retry attempt.
// The delay doubles per attempt with jitter bounded so consecutive
// delays are strictly increasing until the cap.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if d >= q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)))
	if d+jitter > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return d + jitter
}

// Sender delivers one entry to the remote side.
type Sender func(ctx context.Context, e Entry) error

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Delivered    int
	Retried      int
	DeadLettered int
	Skipped      int
}

// Drain walks every ticket partition once, delivering entries in enqueue
// order. A per-partition lock keeps concurrent drains from double
// sending; a not-yet-due or failing head entry blocks the rest of its
// partition so causal order is preserved. Exhausted entries move to the
// dead-letter list and the partition continues.
func (q *Queue) Drain(ctx context.Context, send Sender) (DrainStats, error) {
	var st DrainStats
	refs, err := q.PendingTickets(ctx)
	if err != nil {
		return st, fmt.Errorf("syncq: list pending: %w", err)
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		ok, err := q.rdb.SetNX(ctx, keyLock(ref), 1, q.cfg.LockTTL).Result()
		if err != nil {
			return st, fmt.Errorf("syncq: lock %s: %w", ref, err)
		}
		if !ok {
			st.Skipped++
			continue
		}
		if err := q.drainPartition(ctx, ref, send, &st); err != nil {
			q.rdb.Del(ctx, keyLock(ref))
			return st, err
		}
		q.rdb.Del(ctx, keyLock(ref))
	}
	return st, nil
}

func (q *Queue) drainPartition(ctx context.Context, ref string, send Sender, st *DrainStats) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := q.rdb.LIndex(ctx, keyList(ref), 0).Result()
		if errors.Is(err, redis.Nil) {
			q.rdb.SRem(ctx, keyTickets, ref)
			return nil
		}
		if err != nil {
			return fmt.Errorf("syncq: head %s: %w", ref, err)
		}
		e, err := q.getEntry(ctx, id)
		if err != nil {
			// Orphaned ID; drop it and move on.
			q.rdb.LPop(ctx, keyList(ref))
			continue
		}
		if q.now().Before(e.NextRetryAt) {
			st.Skipped++
			return nil
		}
		if q.cfg.Limiter != nil {
			if err := q.cfg.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if q.cfg.Shared != nil {
			ok, err := q.cfg.Shared.Allow(ctx, "hosted_api")
			if err != nil {
				return fmt.Errorf("syncq: rate limit check: %w", err)
			}
			if !ok {
				st.Skipped++
				return nil
			}
		}
		if err := send(ctx, e); err != nil {
			e.Attempts++
			e.LastError = err.Error()
			if e.Attempts >= q.cfg.MaxAttempts {
				e.Terminal = true
				if perr := q.putEntry(ctx, e); perr != nil {
					return fmt.Errorf("syncq: persist terminal %s: %w", e.ID, perr)
				}
				pipe := q.rdb.TxPipeline()
				pipe.LPop(ctx, keyList(ref))
				pipe.RPush(ctx, keyDead, e.ID)
				if _, perr := pipe.Exec(ctx); perr != nil {
					return fmt.Errorf("syncq: dead-letter %s: %w", e.ID, perr)
				}
				st.DeadLettered++
				metrics.SyncDeadLetteredTotal.Inc()
				log.Error().Str("entry", e.ID).Str("ticket", ref).Str("op", e.Op).
					Int("attempts", e.Attempts).Msg("sync entry dead-lettered")
				continue
			}
			e.NextRetryAt = q.now().Add(q.Backoff(e.Attempts))
			if perr := q.putEntry(ctx, e); perr != nil {
				return fmt.Errorf("syncq: persist retry %s: %w", e.ID, perr)
			}
			st.Retried++
			metrics.SyncRetriesTotal.Inc()
			log.Warn().Str("entry", e.ID).Str("ticket", ref).Str("op", e.Op).
				Int("attempts", e.Attempts).Time("next_retry", e.NextRetryAt).
				Msg("sync delivery failed, rescheduled")
			return nil
		}
		pipe := q.rdb.TxPipeline()
		pipe.LPop(ctx, keyList(ref))
		pipe.Del(ctx, keyEntry(e.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("syncq: ack %s: %w", e.ID, err)
		}
		st.Delivered++
		metrics.SyncDrainedTotal.Inc()
	}
}
