package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePuller struct {
	calls   atomic.Int32
	changed bool
	err     error
}

func (f *fakePuller) PullWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	f.calls.Add(1)
	return f.changed, f.err
}

func (f *fakePuller) CurrentCommit() string {
	return "0123456789abcdef"
}

type fakeNotifier struct {
	updates atomic.Int32
}

func (f *fakeNotifier) SeedUpdated() {
	f.updates.Add(1)
}

func newManager(p *fakePuller, n *fakeNotifier) *Manager {
	return NewManager(Config{
		Store:    p,
		Notifier: n,
		Schedule: cron.Every(time.Hour),
		Debounce: time.Minute,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDoSync(t *testing.T) {
	tests := []struct {
		name        string
		changed     bool
		err         error
		wantUpdates int32
		wantSynced  bool
	}{
		{name: "changed", changed: true, wantUpdates: 1, wantSynced: true},
		{name: "up to date", wantSynced: true},
		{name: "pull failure", err: errors.New("network down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePuller{changed: tt.changed, err: tt.err}
			n := &fakeNotifier{}
			m := newManager(p, n)

			m.doSync(context.Background(), "test")

			assert.Equal(t, int32(1), p.calls.Load())
			assert.Equal(t, tt.wantUpdates, n.updates.Load())
			assert.Equal(t, tt.wantSynced, !m.LastSyncTime().IsZero())
			assert.False(t, m.IsSyncing())
		})
	}
}

func TestDebounceSync(t *testing.T) {
	p := &fakePuller{changed: true}
	n := &fakeNotifier{}
	m := newManager(p, n)

	m.debounceSync(context.Background())
	m.debounceSync(context.Background())

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int32(1), n.updates.Load())
}

func TestStart_Trigger(t *testing.T) {
	p := &fakePuller{changed: true}
	n := &fakeNotifier{}
	m := newManager(p, n)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	m.Trigger()
	require.Eventually(t, func() bool { return n.updates.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{Store: &fakePuller{}, Notifier: &fakeNotifier{}})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(5*time.Minute), m.schedule.Next(start))
	assert.Equal(t, 10*time.Second, m.debounce)
	assert.Equal(t, 3, m.maxRetries)
}
