// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/fieldsync"
)

type syncOutput struct {
	*fieldsync.SyncResult
	Error string `json:"error,omitempty"`
}

func newSyncCommand(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Run one sync cycle: drain a batch of pending changes, detect conflicts
against the remote, resolve them with the configured strategy and apply the rest.

With --full, every clean pending change is applied first regardless of retry
backoff, then a normal cycle runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				run := s.engine.PerformSync
				if full {
					run = s.engine.ForceFullSync
				}
				res, err := run(cmd.Context())
				if err != nil {
					return err
				}
				out := syncOutput{SyncResult: res}
				if res.Err != nil {
					out.Error = res.Err.Error()
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "apply all clean pending changes, ignoring backoff")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var withPending bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				ctx := cmd.Context()
				st, err := s.engine.Status(ctx)
				if err != nil {
					return err
				}
				sum, err := s.engine.Summary(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"status":   st,
					"summary":  sum,
					"strategy": s.engine.SyncStrategy(),
				}
				if withPending {
					pending, err := s.engine.PendingChanges(ctx)
					if err != nil {
						return err
					}
					out["pending"] = pending
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&withPending, "pending", false, "include the pending change records")
	return cmd
}

func newEnqueueCommand(a *app) *cobra.Command {
	var (
		remoteID    string
		fields      []string
		baseVersion int64
	)
	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <entity-type> <local-id> [payload-json]",
		Short: "Record a local change",
		Long: `Record a local change in the durable queue. A create payload is the full
entity document. An update payload is a top-level merge patch: its keys replace
the current values and a null removes the key. A later change to the same entity
coalesces into the pending one.`,
		Example: `  fieldsync enqueue create inspection insp-42 '{"title":"Kitchen leak"}'
  fieldsync enqueue update inspection insp-42 '{"status":"done","notes":null}'
  fieldsync enqueue delete photo ph-7`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := fieldsync.ParseOperation(args[0])
			if err != nil {
				return err
			}
			c := fieldsync.Change{
				EntityType:     args[1],
				EntityLocalID:  args[2],
				EntityRemoteID: remoteID,
				Operation:      op,
				ChangedFields:  fields,
			}
			if len(args) == 4 {
				if !json.Valid([]byte(args[3])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				c.Payload = json.RawMessage(args[3])
			}
			if cmd.Flags().Changed("base-version") {
				c.BaseVersion = &baseVersion
			}
			return a.withSession(cmd.Context(), func(s *session) error {
				rec, err := s.engine.Enqueue(cmd.Context(), c)
				if err != nil {
					return err
				}
				if rec == nil {
					return printJSON(cmd, map[string]any{"dropped": true})
				}
				return printJSON(cmd, rec)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&remoteID, "remote-id", "", "remote id when it differs from the local id")
	f.StringSliceVar(&fields, "fields", nil, "fields edited by this change (default: keys that differ from the last synced state)")
	f.Int64Var(&baseVersion, "base-version", 0, "remote revision the edit is based on (default: last observed)")
	return cmd
}

func newConflictsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve conflicts",
	}

	var resolved bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				get := s.engine.Conflicts
				if resolved {
					get = s.engine.ResolvedConflicts
				}
				out, err := get(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	list.Flags().BoolVar(&resolved, "resolved", false, "list resolved conflicts instead")

	show := &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show one conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				c, err := s.engine.Conflict(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, c)
			})
		},
	}

	var (
		payload    string
		keepRemote bool
		del        bool
	)
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending conflict with exactly one of:
  --payload JSON   write the given merged payload
  --keep-remote    discard the local change
  --delete         delete the entity`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mr := fieldsync.ManualResolution{KeepRemote: keepRemote, Delete: del}
			if payload != "" {
				mr.Payload = json.RawMessage(payload)
			}
			return a.withSession(cmd.Context(), func(s *session) error {
				c, err := s.engine.ResolveConflict(cmd.Context(), args[0], mr)
				if err != nil {
					return err
				}
				return printJSON(cmd, c)
			})
		},
	}
	rf := resolve.Flags()
	rf.StringVar(&payload, "payload", "", "merged payload to write")
	rf.BoolVar(&keepRemote, "keep-remote", false, "discard the local change")
	rf.BoolVar(&del, "delete", false, "resolve by deleting the entity")
	resolve.MarkFlagsMutuallyExclusive("payload", "keep-remote", "delete")
	resolve.MarkFlagsOneRequired("payload", "keep-remote", "delete")

	cmd.AddCommand(list, show, resolve)
	return cmd
}

func newStrategyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Show or change the sync strategy",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the persisted strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				return printJSON(cmd, s.engine.SyncStrategy())
			})
		},
	}

	var (
		priority   string
		batchSize  int
		retries    int
		interval   time.Duration
		background bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Update strategy fields; unset flags keep their value",
		Example: `  fieldsync strategy set --priority server_wins
  fieldsync strategy set --batch-size 20 --interval 1m --background=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var patch fieldsync.StrategyPatch
			if f.Changed("priority") {
				p, err := fieldsync.ParsePriority(priority)
				if err != nil {
					return err
				}
				patch.Priority = &p
			}
			if f.Changed("batch-size") {
				patch.BatchSize = &batchSize
			}
			if f.Changed("retry-attempts") {
				patch.RetryAttempts = &retries
			}
			if f.Changed("interval") {
				ms := interval.Milliseconds()
				patch.SyncIntervalMs = &ms
			}
			if f.Changed("background") {
				patch.BackgroundSync = &background
			}
			if patch == (fieldsync.StrategyPatch{}) {
				return errors.New("nothing to update, pass at least one flag")
			}
			return a.withSession(cmd.Context(), func(s *session) error {
				st, err := s.engine.UpdateStrategy(cmd.Context(), patch)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
	sf := set.Flags()
	sf.StringVar(&priority, "priority", "", "client_wins, server_wins, merge or manual")
	sf.IntVar(&batchSize, "batch-size", 0, "changes per cycle (1-1000)")
	sf.IntVar(&retries, "retry-attempts", 0, "retries before dead-lettering (0-20)")
	sf.DurationVar(&interval, "interval", 0, "background sync interval (>= 1s)")
	sf.BoolVar(&background, "background", true, "enable the interval timer")

	cmd.AddCommand(get, set)
	return cmd
}

func newDeadLettersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and requeue dead-lettered changes",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				out, err := s.engine.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	requeue := &cobra.Command{
		Use:   "requeue <change-id>",
		Short: "Give a dead-lettered change a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				if err := s.engine.RequeueDeadLetter(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"requeued": args[0]})
			})
		},
	}
	cmd.AddCommand(list, requeue)
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loop until interrupted",
		Long: `Run the engine in the foreground: probe connectivity, sync on reconnect and
on the strategy interval, and log every state transition.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(s *session) error {
				updates, unsubscribe := s.engine.Subscribe()
				defer unsubscribe()

				s.monitor.Start(ctx)
				if err := s.engine.Start(ctx); err != nil {
					return err
				}
				s.engine.Trigger()
				a.logger.Info("sync engine running", "db", a.cfg.Client.DBPath, "remote", a.cfg.Client.RemoteURL)

				for {
					select {
					case <-ctx.Done():
						a.logger.Info("sync engine stopping")
						return nil
					case st, ok := <-updates:
						if !ok {
							return nil
						}
						a.logger.Info("sync state", "phase", st.Phase, "online", st.IsOnline,
							"pending", st.PendingItems, "conflicts", len(st.Conflicts),
							"dead_letters", st.DeadLetters, "error", st.Error)
					}
				}
			})
		},
	}
}
