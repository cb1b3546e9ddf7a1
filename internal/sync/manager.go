// Package sync keeps the seed catalogue clone current, on a cron schedule
// and on GitHub push webhooks.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/metarepo/server/internal/middleware"
)

// Puller updates the seed clone from its remote
type Puller interface {
	PullWithRetry(ctx context.Context, maxRetries int) (bool, error)
	CurrentCommit() string
}

// Notifier is told when the seed catalogue changed
type Notifier interface {
	SeedUpdated()
}

// Manager handles seed repository synchronization
type Manager struct {
	store      Puller
	notifier   Notifier
	schedule   cron.Schedule
	debounce   time.Duration
	maxRetries int
	logger     *slog.Logger

	triggerChan chan struct{}
	mu          sync.Mutex
	lastSync    time.Time
	syncing     bool
}

// Config holds sync manager configuration
type Config struct {
	Store    Puller
	Notifier Notifier
	// Schedule drives periodic pulls; nil means every five minutes
	Schedule   cron.Schedule
	Debounce   time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// NewManager creates a new sync manager
func NewManager(cfg Config) *Manager {
	if cfg.Schedule == nil {
		cfg.Schedule = cron.Every(5 * time.Minute)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		schedule:    cfg.Schedule,
		debounce:    cfg.Debounce,
		maxRetries:  cfg.MaxRetries,
		logger:      cfg.Logger,
		triggerChan: make(chan struct{}, 1),
	}
}

// Start runs scheduled syncs and webhook triggers until ctx is done
func (m *Manager) Start(ctx context.Context) {
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	scheduler.Schedule(m.schedule, cron.FuncJob(func() {
		m.doSync(ctx, "schedule")
	}))
	scheduler.Start()

	m.logger.Info("sync manager started",
		"next_sync", m.schedule.Next(time.Now()),
		"debounce", m.debounce,
	)

	for {
		select {
		case <-ctx.Done():
			<-scheduler.Stop().Done()
			m.logger.Info("sync manager stopped")
			return

		case <-m.triggerChan:
			m.debounceSync(ctx)
		}
	}
}

// Trigger initiates a sync (called by webhook handler)
func (m *Manager) Trigger() {
	select {
	case m.triggerChan <- struct{}{}:
		m.logger.Debug("sync triggered")
	default:
		m.logger.Debug("sync already pending")
	}
}

// LastSyncTime returns the last successful sync time
func (m *Manager) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// IsSyncing returns whether a sync is in progress
func (m *Manager) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncing
}

func (m *Manager) debounceSync(ctx context.Context) {
	m.mu.Lock()
	if time.Since(m.lastSync) < m.debounce {
		m.mu.Unlock()
		m.logger.Debug("sync debounced", "last_sync", m.lastSync)
		return
	}
	m.mu.Unlock()

	m.doSync(ctx, "webhook")
}

func (m *Manager) doSync(ctx context.Context, source string) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		m.logger.Debug("sync already in progress")
		return
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	start := time.Now()
	defer func() {
		middleware.SeedSyncDuration.Observe(time.Since(start).Seconds())
	}()
	m.logger.Info("starting seed sync", "source", source)

	changed, err := m.store.PullWithRetry(ctx, m.maxRetries)
	if err != nil {
		middleware.SeedSyncErrors.Inc()
		m.logger.Error("seed sync failed",
			"source", source,
			"error", err,
			"duration", time.Since(start),
		)
		return
	}

	m.mu.Lock()
	m.lastSync = time.Now()
	m.mu.Unlock()

	if !changed {
		m.logger.Debug("no changes detected", "source", source)
		return
	}

	// Only tenants provisioned from now on see the new catalogue
	m.notifier.SeedUpdated()

	m.logger.Info("seed sync completed",
		"source", source,
		"commit", m.store.CurrentCommit(),
		"duration", time.Since(start),
	)
}
