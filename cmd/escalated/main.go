// Command escalated runs the SLA and escalation scheduler passes. Each
// subcommand is one sweep, intended to be driven by cron or a systemd
// timer; a non-zero exit means the pass could not complete.
package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/escalated-dev/escalated-go/internal/action"
	"github.com/escalated-dev/escalated-go/internal/config"
	"github.com/escalated-dev/escalated-go/internal/engine"
	"github.com/escalated-dev/escalated-go/internal/events"
	"github.com/escalated-dev/escalated-go/internal/migrations"
	"github.com/escalated-dev/escalated-go/internal/ratelimit"
	"github.com/escalated-dev/escalated-go/internal/slaclock"
	"github.com/escalated-dev/escalated-go/internal/store"
	"github.com/escalated-dev/escalated-go/internal/syncq"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	root := &cobra.Command{
		Use:           "escalated",
		Short:         "SLA and escalation engine for helpdesk tickets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newCheckSLACmd(cfg),
		newEvaluateEscalationsCmd(cfg),
		newCloseResolvedCmd(cfg),
		newDrainSyncCmd(cfg),
		newMigrateCmd(cfg),
	)
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("pass failed")
		os.Exit(1)
	}
}

// runtime bundles the engine with the connections behind it.
type runtime struct {
	eng   *engine.Engine
	close func()
}

func build(ctx context.Context, cfg config.Config) (*runtime, error) {
	mode := store.Mode(cfg.Mode)
	var (
		deps    store.Deps
		rdb     *redis.Client
		queue   *syncq.Queue
		sender  syncq.Sender
		closers []func()
	)

	if mode != store.ModeCloud {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pool.Close)
		deps.Local = store.NewLocal(pool)

		if cfg.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			closers = append(closers, func() { _ = rdb.Close() })
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Msg("redis unreachable; notifications and sync queue inactive")
			}
		}
	}
	if mode != store.ModeSelfHosted {
		client, err := store.NewHostedClient(cfg.HostedAPIURL, cfg.HostedAPIKey, cfg.HostedAPITimeout)
		if err != nil {
			return nil, err
		}
		deps.Client = client
		sender = func(ctx context.Context, e syncq.Entry) error {
			return client.EmitEvent(ctx, e.Op, e.TicketRef, e.Payload)
		}
	}
	if mode == store.ModeSynced {
		qc := syncq.Config{
			BaseDelay:   cfg.SyncBaseDelay,
			MaxDelay:    cfg.SyncMaxDelay,
			MaxAttempts: cfg.SyncMaxAttempts,
		}
		if cfg.SyncRateLimit > 0 {
			qc.Limiter = rate.NewLimiter(rate.Limit(cfg.SyncRateLimit), 1)
			// Cap the same budget across every host draining this queue.
			qc.Shared = ratelimit.New(rdb, int(cfg.SyncRateLimit*60), time.Minute, "sync")
		}
		queue = syncq.New(rdb, qc)
		deps.Queue = queue
	}

	driver, err := store.Open(mode, deps)
	if err != nil {
		return nil, err
	}

	clock := &slaclock.Clock{BusinessOnly: cfg.BusinessHoursOnly}
	if cfg.BusinessHoursOnly {
		cal, err := cfg.Calendar()
		if err != nil {
			return nil, err
		}
		clock.Calendar = cal
	}

	disp := events.NewDispatcher()
	if rdb != nil {
		forward := func(ctx context.Context, ev events.Event) error {
			events.PublishRedis(ctx, rdb, ev)
			return nil
		}
		for _, typ := range []events.Type{
			events.TicketAssigned, events.TicketStatusChanged, events.TicketPriorityChanged,
			events.TicketDepartmentMoved, events.TicketEscalated, events.TicketClosed,
			events.TagAdded, events.SLABreached, events.SLAWarning, events.NotificationRequested,
		} {
			disp.Subscribe(typ, 100, forward)
		}
	}

	eng := &engine.Engine{
		Driver:     driver,
		Clock:      clock,
		Exec:       &action.Executor{Driver: driver, Dispatcher: disp, RDB: rdb},
		Dispatcher: disp,
		Queue:      queue,
		Sender:     sender,
		SLAEnabled: cfg.SLAEnabled,
	}
	return &runtime{
		eng: eng,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func logSummary(pass string, sum engine.Summary) {
	log.Info().
		Str("pass", pass).
		Int("scanned", sum.Scanned).
		Int("breaches", sum.Breaches).
		Int("warnings", sum.Warnings).
		Int("rule_matches", sum.RuleMatches).
		Int("closed", sum.Closed).
		Int("errors", sum.Errors).
		Msg("pass complete")
}

func newCheckSLACmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check-sla",
		Short: "Fire SLA breach and warning signals for open tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			sum, err := rt.eng.CheckSLA(cmd.Context())
			if err != nil {
				return err
			}
			logSummary("check-sla", sum)
			return nil
		},
	}
}

func newEvaluateEscalationsCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate-escalations",
		Short: "Run escalation rules against open tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			sum, err := rt.eng.EvaluateEscalations(cmd.Context())
			if err != nil {
				return err
			}
			logSummary("evaluate-escalations", sum)
			return nil
		},
	}
}

func newCloseResolvedCmd(cfg config.Config) *cobra.Command {
	var (
		days   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "close-resolved",
		Short: "Close tickets that stayed resolved past the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			sum, err := rt.eng.CloseResolved(cmd.Context(), days, dryRun)
			if err != nil {
				return err
			}
			logSummary("close-resolved", sum)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", cfg.AutoCloseResolvedAfterDays, "days a ticket must stay resolved before closing")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would close without mutating")
	return cmd
}

func newDrainSyncCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "drain-sync",
		Short: "Deliver queued mirror operations to the hosted API (synced mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			st, err := rt.eng.DrainSync(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().
				Int("delivered", st.Delivered).
				Int("retried", st.Retried).
				Int("dead_lettered", st.DeadLettered).
				Int("skipped", st.Skipped).
				Msg("sync drain complete")
			return nil
		},
	}
}

func newMigrateCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if store.Mode(cfg.Mode) == store.ModeCloud {
				log.Info().Msg("cloud mode has no local schema; nothing to migrate")
				return nil
			}
			return migrations.Up(cmd.Context(), cfg.DatabaseURL)
		},
	}
}
