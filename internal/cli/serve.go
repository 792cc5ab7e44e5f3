// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

func newServeCommand(a *app) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the records API",
		Long: `Run the records API that field devices sync against.

Records are stored in Postgres (--database-url) and scoped by the tenant in the
caller's JWT. With --memory the API keeps records in process memory instead,
which is only useful for local testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc := a.cfg.Server
			if sc.JWTSecret == "" {
				return errors.New("server.jwt_secret is required")
			}

			var store remote.Store
			if memory {
				store = remote.NewMemoryStore()
			} else {
				if sc.DatabaseURL == "" {
					return errors.New("server.database_url is required (or pass --memory)")
				}
				pool, err := openPool(ctx, sc.DatabaseURL, sc.MaxConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				pg, err := remote.NewPostgresStore(ctx, pool, &remote.PostgresConfig{
					MaxPayloadSize: sc.MaxPayloadSize,
				}, a.logger)
				if err != nil {
					return err
				}
				defer pg.Close()
				store = pg
			}

			handlers := remote.NewHandlers(store, remote.NewJWTAuth(sc.JWTSecret), a.logger)
			ln, err := net.Listen("tcp", sc.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", sc.Addr, err)
			}
			srv := &http.Server{
				Handler:      handlers.Router(),
				ReadTimeout:  sc.ReadTimeout,
				WriteTimeout: sc.WriteTimeout,
			}
			a.logger.Info("records API listening", "addr", ln.Addr().String(), "memory", memory)
			return serveUntilDone(ctx, srv, ln, sc.ShutdownTimeout)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "listen address")
	f.String("database-url", "", "Postgres connection string")
	f.BoolVar(&memory, "memory", false, "keep records in memory instead of Postgres")
	_ = a.v.BindPFlag("server.addr", f.Lookup("addr"))
	_ = a.v.BindPFlag("server.database_url", f.Lookup("database-url"))
	return cmd
}

func openPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// serveUntilDone serves on ln until ctx is cancelled, then drains in-flight
// requests for at most shutdownTimeout.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newTokenCommand(a *app) *cobra.Command {
	var (
		tenant string
		user   string
		device string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a device token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := a.cfg.Server.JWTSecret
			if secret == "" {
				return errors.New("server.jwt_secret is required")
			}
			tok, err := remote.NewJWTAuth(secret).GenerateToken(tenant, user, device, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&tenant, "tenant", "", "tenant id")
	f.StringVar(&user, "user", "", "inspector user id")
	f.StringVar(&device, "device", "", "device id")
	f.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
