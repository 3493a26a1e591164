package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"offsync/internal/models"
	"offsync/internal/service"

	"github.com/spf13/cobra"
)

func newEnqueueCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		id          string
		payload     string
		priority    int
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Record an action in the local queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload must be valid JSON")
				}
				raw = json.RawMessage(payload)
			}
			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				a, err := svc.Enqueue(ctx, &models.OfflineAction{
					ID:          id,
					Type:        models.ActionType(args[0]),
					Payload:     raw,
					Priority:    priority,
					MaxAttempts: maxAttempts,
				})
				if err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), rootOpts.Format, a)
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "action id (generated when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().IntVar(&priority, "priority", models.DefaultPriority, "priority 0-10, higher syncs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt limit (type default when 0)")
	return cmd
}

func newListCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		statuses    []string
		types       []string
		minPriority int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions in sync order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.ActionFilter{MinPriority: minPriority}
			for _, s := range statuses {
				st := models.ActionStatus(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			for _, t := range types {
				filter.Types = append(filter.Types, models.ActionType(t))
			}

			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				actions, err := svc.List(filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rootOpts.Format == "json" {
					return printJSON(out, actions)
				}
				if len(actions) == 0 {
					fmt.Fprintln(out, "queue is empty")
					return nil
				}
				for _, a := range actions {
					fmt.Fprintln(out, formatAction(a))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending,syncing,failed)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "filter by action type")
	cmd.Flags().IntVar(&minPriority, "min-priority", 0, "only actions at or above this priority")
	return cmd
}

func newRetryCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed action to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				a, err := svc.RetryAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), rootOpts.Format, a)
			})
		},
	}
}

func newDeleteCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an action from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				if err := svc.DeleteAction(ctx, args[0]); err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newReprioritizeCommand(rootOpts *rootOptions) *cobra.Command {
	var delta int

	cmd := &cobra.Command{
		Use:   "reprioritize <id>",
		Short: "Shift an action's priority by --delta",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				a, err := svc.Reprioritize(ctx, args[0], delta)
				if err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), rootOpts.Format, a)
			})
		},
	}

	cmd.Flags().IntVar(&delta, "delta", 1, "priority change, clamped to 0-10")
	return cmd
}

func newStateCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the persisted sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				st, err := svc.Snapshot()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rootOpts.Format == "json" {
					return printJSON(out, st)
				}
				fmt.Fprintf(out, "pending: %d\nfailed: %d\nconsecutive failures: %d\nlast pass: %s\n",
					st.PendingCount, st.FailedCount, st.ConsecutiveFailures, st.PassStatus)
				if st.LastSyncAt != nil {
					fmt.Fprintf(out, "last sync: %s\n", st.LastSyncAt.Format(time.RFC3339))
				}
				if st.LastSuccessfulSyncAt != nil {
					fmt.Fprintf(out, "last success: %s\n", st.LastSuccessfulSyncAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newSyncCommand(rootOpts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, rootOpts, func(ctx context.Context, svc *service.SyncService) error {
				h, err := svc.TriggerSync("cli")
				if err != nil {
					return err
				}
				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				res, err := h.Wait(waitCtx)
				if err != nil {
					_, _ = svc.CancelSync()
					return fmt.Errorf("wait for sync pass: %w", err)
				}
				out := cmd.OutOrStdout()
				if rootOpts.Format == "json" {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "%s: %d synced, %d retried, %d failed of %d\n",
					res.Status, res.Synced, res.Retried, res.Failed, res.Total)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the pass")
	return cmd
}
