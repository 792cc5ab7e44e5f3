package fieldsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualMonitor_EmitsOnTransitionsOnly(t *testing.T) {
	m := NewManualMonitor(false)
	events, unsubscribe := m.Subscribe()

	require.False(t, m.SetOnline(false))
	require.True(t, m.SetOnline(true))
	require.True(t, m.IsOnline())

	ev := <-events
	require.True(t, ev.Online)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	unsubscribe()
	unsubscribe()
	_, ok := <-events
	require.False(t, ok)
	require.True(t, m.SetOnline(false), "no subscribers is fine")
}

func TestManualMonitor_SlowSubscriberSeesLatest(t *testing.T) {
	m := NewManualMonitor(false)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	ev := <-events
	require.True(t, ev.Online)
}

type fakePinger struct {
	fail atomic.Bool
	n    atomic.Int32
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.n.Add(1)
	if p.fail.Load() {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func TestProbeMonitor(t *testing.T) {
	p := &fakePinger{}
	m := NewProbeMonitor(p, 20*time.Millisecond, time.Second, nil)
	require.False(t, m.IsOnline(), "offline until the first probe")

	require.True(t, m.Probe(context.Background()))
	require.True(t, m.IsOnline())

	p.fail.Store(true)
	require.False(t, m.Probe(context.Background()))
	require.False(t, m.IsOnline())

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	p.fail.Store(false)
	m.Start(context.Background())
	defer m.Close()

	select {
	case ev := <-events:
		require.True(t, ev.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect event")
	}
	require.Eventually(t, func() bool { return p.n.Load() > 4 }, 2*time.Second, 10*time.Millisecond)

	m.Close()
	m.Close()
	n := p.n.Load()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, n, p.n.Load(), "probing stops after close")
}
