package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

// Job names, also used as metric labels.
const (
	JobExpirePurchases = "expire_stale_purchases"
	JobPlanChanges     = "apply_plan_changes"
)

// defaultJobTimeout bounds a single run of any job.
const defaultJobTimeout = 2 * time.Minute

// BillingJobs is the maintenance surface of the billing service.
type BillingJobs interface {
	ExpireStalePurchases(ctx context.Context) (int64, error)
	ApplyDuePlanChanges(ctx context.Context) (int, error)
}

// Manager runs the billing maintenance jobs on cron schedules.
type Manager struct {
	jobs    BillingJobs
	cron    *cron.Cron
	timeout time.Duration
	mu      sync.Mutex
	running bool
}

// NewManager registers both jobs. Invalid schedules are reported here rather
// than at Start.
func NewManager(jobs BillingJobs, cfg config.BillingConfig) (*Manager, error) {
	m := &Manager{
		jobs:    jobs,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: defaultJobTimeout,
	}
	if _, err := m.cron.AddFunc(cfg.SweepSchedule, func() { m.run(JobExpirePurchases) }); err != nil {
		return nil, fmt.Errorf("jobqueue: schedule %s %q: %w", JobExpirePurchases, cfg.SweepSchedule, err)
	}
	if _, err := m.cron.AddFunc(cfg.PlanChangeSchedule, func() { m.run(JobPlanChanges) }); err != nil {
		return nil, fmt.Errorf("jobqueue: schedule %s %q: %w", JobPlanChanges, cfg.PlanChangeSchedule, err)
	}
	return m, nil
}

// Start starts the scheduler. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.cron.Start()
	log.Infof("[JobQueue Manager] Started %d billing jobs", len(m.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[JobQueue Manager] Stopping billing jobs...")
	<-m.cron.Stop().Done()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the scheduler is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce executes one job synchronously (admin use and tests).
func (m *Manager) RunOnce(name string) error {
	switch name {
	case JobExpirePurchases, JobPlanChanges:
		return m.run(name)
	default:
		return fmt.Errorf("jobqueue: unknown job %q", name)
	}
}

func (m *Manager) run(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var (
		n   int64
		err error
	)
	switch name {
	case JobExpirePurchases:
		n, err = m.jobs.ExpireStalePurchases(ctx)
	case JobPlanChanges:
		var applied int
		applied, err = m.jobs.ApplyDuePlanChanges(ctx)
		n = int64(applied)
	}
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		log.Errorf("[JobQueue Manager] %s failed: %v", name, err)
		return err
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		log.Infof("[JobQueue Manager] %s handled %d item(s)", name, n)
	}
	return nil
}
