// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// NetworkEvent is a connectivity transition
type NetworkEvent struct {
	Online bool
	At     time.Time
}

// NetworkMonitor exposes connectivity state and its transitions.
// Subscribe returns a channel of transitions and a function that cancels the subscription.
type NetworkMonitor interface {
	IsOnline() bool
	Subscribe() (<-chan NetworkEvent, func())
}

// ManualMonitor is a NetworkMonitor driven by the host, e.g. from the OS
// connectivity callback. Events are only emitted on transitions.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan NetworkEvent
	nextID int
	now    func() time.Time
}

var _ NetworkMonitor = (*ManualMonitor)(nil)

// NewManualMonitor creates a monitor with the given initial state
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online, subs: make(map[int]chan NetworkEvent), now: time.Now}
}

func (m *ManualMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the current state and notifies subscribers if it changed.
// It reports whether a transition happened.
func (m *ManualMonitor) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	ev := NetworkEvent{Online: online, At: m.now()}
	for _, ch := range m.subs {
		sendLatest(ch, ev)
	}
	return true
}

func (m *ManualMonitor) Subscribe() (<-chan NetworkEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan NetworkEvent, 1)
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// sendLatest delivers v without blocking, dropping the oldest unread value when ch is full
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// ProbeMonitor derives connectivity by pinging the remote store at an interval.
type ProbeMonitor struct {
	*ManualMonitor
	pinger   remote.Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ NetworkMonitor = (*ProbeMonitor)(nil)

// NewProbeMonitor creates a monitor that starts offline until the first probe succeeds
func NewProbeMonitor(p remote.Pinger, interval, timeout time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProbeMonitor{
		ManualMonitor: NewManualMonitor(false),
		pinger:        p,
		interval:      interval,
		timeout:       timeout,
		logger:        logger,
	}
}

// Probe pings once and updates the state
func (p *ProbeMonitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(pctx)
	online := err == nil
	if p.SetOnline(online) {
		p.logger.Info("connectivity changed", "online", online, "error", err)
	}
	return online
}

// Start probes immediately and then on every interval until Close or ctx is done
func (p *ProbeMonitor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Probe(ctx)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Close stops probing. Safe to call multiple times.
func (p *ProbeMonitor) Close() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}
