package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/lease"
)

// newMigrateCmd constructs the `migrate` subcommand.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
}

// newRunCmd constructs the `run` subcommand: a host running every queue and
// job declared in the config until interrupted.
func newRunCmd(opts *rootOptions) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
			}

			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			if err := registerBuiltins(o, a.logger); err != nil {
				return err
			}

			for _, q := range a.cfg.Queues {
				q = q.WithDefaults(o.Config())
				if !o.Handlers().Has(q.ItemType) {
					return fmt.Errorf("queue %q: %w: %q", q.Name, taskhost.ErrHandlerNotFound, q.ItemType)
				}
				if err := o.RegisterQueueJob(q); err != nil {
					return err
				}
			}
			for _, j := range a.cfg.Jobs {
				j = j.WithDefaults(o.Config())
				if !o.Handlers().Has(j.StateType) {
					return fmt.Errorf("job %q: %w: %q", j.Name, taskhost.ErrHandlerNotFound, j.StateType)
				}
				if err := o.RegisterScheduledJob(j); err != nil {
					return err
				}
			}

			return o.Run(ctx)
		},
	}
	runCmd.Flags().Bool("migrate", false, "Apply the schema before starting")
	return runCmd
}

// newEnqueueCmd constructs the `enqueue` subcommand.
func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <queue> <json>",
		Short: "Append a JSON payload to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, payload := args[0], args[1]
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON: %s", payload)
			}

			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			itemID, err := o.Enqueue(cmd.Context(), queueName, json.RawMessage(payload))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), itemID)
			return nil
		},
	}
}

// newStatsCmd constructs the `stats` subcommand.
func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>",
		Short: "Show per-status item counts of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			c, err := o.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "queue:     %s\n", args[0])
			_, _ = fmt.Fprintf(out, "pending:   %d\n", c.Pending)
			_, _ = fmt.Fprintf(out, "leased:    %d\n", c.Leased)
			_, _ = fmt.Fprintf(out, "completed: %d\n", c.Completed)
			_, _ = fmt.Fprintf(out, "failed:    %d\n", c.Failed)
			_, _ = fmt.Fprintf(out, "total:     %d\n", c.Total())
			return nil
		},
	}
}

// newSweepCmd constructs the `sweep` subcommand. With no arguments it
// sweeps every queue declared in the config, concurrently.
func newSweepCmd(opts *rootOptions) *cobra.Command {
	sweepCmd := &cobra.Command{
		Use:   "sweep [queue...]",
		Short: "Run one cleanup batch per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orchestrator()
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				for _, q := range a.cfg.Queues {
					names = append(names, q.Name)
				}
			}
			if len(names) == 0 {
				return errors.New("no queues to sweep")
			}
			for _, name := range names {
				if err := o.RegisterQueueJob(a.cfg.Queue(name)); err != nil {
					return err
				}
			}

			counts := make([]int64, len(names))
			g, gctx := errgroup.WithContext(ctx)
			for i, name := range names {
				g.Go(func() error {
					n, err := o.Sweep(gctx, name)
					if err != nil {
						return fmt.Errorf("sweep %q: %w", name, err)
					}
					counts[i] = n
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if leases, _ := cmd.Flags().GetBool("leases"); leases {
				n := o.Locks().Cleanup(ctx)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "leases: %d removed\n", n)
			}
			for i, name := range names {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d removed\n", name, counts[i])
			}
			return nil
		},
	}
	sweepCmd.Flags().Bool("leases", false, "Also purge expired lease records")
	return sweepCmd
}

// newLockCmd constructs the `lock` subcommand: acquire a named lock, print
// its fencing token, optionally hold it, then release it.
func newLockCmd(opts *rootOptions) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock <name>",
		Short: "Acquire and release a named lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ttl, _ := cmd.Flags().GetDuration("ttl")
			hold, _ := cmd.Flags().GetDuration("hold")

			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orchestrator()
			if err != nil {
				return err
			}

			locks := o.Locks()
			outcome, l, err := locks.AcquireLock(ctx, args[0], ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "outcome:", outcome)
			if outcome != lease.Acquired {
				return nil
			}
			_, _ = fmt.Fprintln(out, "lease:  ", l.ID)
			_, _ = fmt.Fprintln(out, "holder: ", l.Holder)
			_, _ = fmt.Fprintln(out, "expires:", l.ExpiresAt.Format(time.RFC3339Nano))

			if hold > 0 {
				hctx, stop := locks.Hold(ctx, l, ttl)
				select {
				case <-time.After(hold):
				case <-hctx.Done():
				}
				stop()
			}

			if err := locks.Release(context.WithoutCancel(ctx), l); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "released")
			return nil
		},
	}
	lockCmd.Flags().Duration("ttl", taskhost.DefaultLeaseDuration, "Lease duration")
	lockCmd.Flags().Duration("hold", 0, "Keep the lock renewed for this long before releasing")
	return lockCmd
}
