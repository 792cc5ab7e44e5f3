// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/fieldsync"
	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// session is an open engine over the local database
type session struct {
	db      *sql.DB
	engine  *fieldsync.Engine
	monitor *fieldsync.ProbeMonitor
}

func (s *session) Close() error {
	s.monitor.Close()
	_ = s.engine.Close()
	return s.db.Close()
}

// openSession opens the local database and wires the engine to the records
// API. Connectivity is probed once so one-shot commands see the real state.
func (a *app) openSession(ctx context.Context) (*session, error) {
	c := a.cfg.Client
	db, err := sql.Open("sqlite3", "file:"+c.DBPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	var tok func(context.Context) (string, error)
	if c.Token != "" {
		token := c.Token
		tok = func(context.Context) (string, error) { return token, nil }
	}
	store := remote.NewHTTPStore(c.RemoteURL, tok)
	store.HTTP.Timeout = c.RemoteTimeout

	monitor := fieldsync.NewProbeMonitor(store, c.ProbeInterval, c.ProbeTimeout, a.logger)

	cfg := fieldsync.DefaultConfig()
	cfg.BackoffMin = c.BackoffMin
	cfg.BackoffMax = c.BackoffMax
	cfg.RemoteTimeout = c.RemoteTimeout
	cfg.Logger = a.logger
	cfg.LogStageTimings = c.LogStageTimings

	engine, err := fieldsync.NewEngine(db, store, monitor, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	monitor.Probe(ctx)
	return &session{db: db, engine: engine, monitor: monitor}, nil
}

// withSession runs fn against an open session and closes it afterwards
func (a *app) withSession(ctx context.Context, fn func(*session) error) error {
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
