// Package monitor runs the background scan that expires jobs whose wall-time
// allocation ran out. Only one replica scans at a time: the scan runs under
// a redis lease, so horizontally scaled deployments elect a single monitor
// per interval.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/internal/config"
	"github.com/kiranshivaraju/conductor/internal/store"
)

// scanBatchSize bounds how many expired jobs one sweep processes.
const scanBatchSize = 100

// Expirer terminates one expired job. Implemented by the orchestrator.
type Expirer interface {
	ExpireJob(ctx context.Context, jobID uuid.UUID) error
}

// Monitor periodically finds and expires overdue jobs.
type Monitor struct {
	store   store.Store
	cache   cache.Cache
	expirer Expirer
	logger  *slog.Logger

	interval time.Duration
	leaseTTL time.Duration

	// holder identifies this replica in the lease; unique per process.
	holder string

	// now is stubbed in tests.
	now func() time.Time
}

func New(s store.Store, c cache.Cache, expirer Expirer, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    s,
		cache:    c,
		expirer:  expirer,
		logger:   logger,
		interval: cfg.Interval,
		leaseTTL: cfg.LeaseDuration,
		holder:   uuid.NewString(),
		now:      time.Now,
	}
}

// Run scans on every tick until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one scan if this replica wins the lease. Losing the election is
// not an error; another replica is scanning.
func (m *Monitor) Sweep(ctx context.Context) {
	acquired, err := m.cache.AcquireLease(ctx, cache.MonitorLeaseKey(), m.holder, m.leaseTTL)
	if err != nil {
		m.logger.Error("acquiring monitor lease failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := m.cache.ReleaseLease(ctx, cache.MonitorLeaseKey(), m.holder); err != nil {
			m.logger.Warn("releasing monitor lease failed", "error", err)
		}
	}()

	// Keep the lease alive for the duration of the scan; losing it aborts
	// the sweep so a second elected replica never doubles up.
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		m.keepLease(scanCtx, cancel)
	}()
	defer func() { cancel(); <-renewDone }()

	m.scan(scanCtx)
}

func (m *Monitor) keepLease(ctx context.Context, lost context.CancelFunc) {
	interval := m.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := m.cache.RenewLease(ctx, cache.MonitorLeaseKey(), m.holder, m.leaseTTL)
			if err != nil {
				m.logger.Error("renewing monitor lease failed", "error", err)
				lost()
				return
			}
			if !renewed {
				m.logger.Warn("monitor lease lost mid-sweep")
				lost()
				return
			}
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	ids, err := m.store.FindExpiredJobs(ctx, m.now().UTC(), scanBatchSize)
	if err != nil {
		m.logger.Error("expired job scan failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	m.logger.Info("expiring overdue jobs", "count", len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.expirer.ExpireJob(ctx, id); err != nil {
			m.logger.Error("expiring job failed", "job_id", id, "error", err)
		}
	}
}
