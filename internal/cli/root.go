// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the fieldsync command tree: the on-device engine
// commands (sync, status, enqueue, conflicts, strategy, deadletters, run) and
// the reference records API server (serve, token).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/internal/config"
)

// app carries state shared by every command of one invocation
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first sync engine for field inspections",
		Long: `fieldsync keeps an inspector's local changes in a durable queue and
reconciles them with the records API once the device is online.

Client commands operate on the local database (--db). The serve command runs
the records API the client syncs against.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./fieldsync.yaml when present)")
	pf.String("db", "", "local SQLite database path")
	pf.String("remote", "", "records API base URL")
	pf.String("token", "", "bearer token for the records API")
	pf.String("jwt-secret", "", "HMAC secret for device tokens (server commands)")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text or json")
	pf.String("log-file", "", "write logs to a rotating file instead of stderr")

	bindings := map[string]string{
		"client.db_path":    "db",
		"client.remote_url": "remote",
		"client.token":      "token",
		"server.jwt_secret": "jwt-secret",
		"logging.level":     "log-level",
		"logging.format":    "log-format",
		"logging.file":      "log-file",
	}
	for key, flag := range bindings {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddGroup(
		&cobra.Group{ID: "client", Title: "Client Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)
	for _, c := range []*cobra.Command{
		newSyncCommand(a),
		newStatusCommand(a),
		newEnqueueCommand(a),
		newConflictsCommand(a),
		newStrategyCommand(a),
		newDeadLettersCommand(a),
		newRunCommand(a),
	} {
		c.GroupID = "client"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{newServeCommand(a), newTokenCommand(a)} {
		c.GroupID = "server"
		root.AddCommand(c)
	}
	return root
}

// Execute runs the root command with ctx
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logger = logger
	a.logCloser = closer
	return nil
}

// printJSON writes v as indented JSON to the command's output
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
