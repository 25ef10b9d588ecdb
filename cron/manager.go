package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultShutdownTimeout = 10 * time.Second

// specParser accepts six-field expressions with a leading seconds field
// plus descriptors such as @every 30s.
var specParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec reports whether spec is a schedule Add would accept.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}
	return nil
}

type Manager struct {
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	timezone        *time.Location
	jobs            map[string]*types.JobEntry
	state           atomic.Value
	mu              sync.RWMutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
}

var _ types.CronManager = (*Manager)(nil)

// NewManager builds a scheduler in the configured timezone. Overlapping runs
// of the same job are skipped and job panics are recovered and logged.
func NewManager(config *types.CronConfig, logger types.Logger, metrics types.MetricsManager) *Manager {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		if loc, err := time.LoadLocation(config.Timezone); err == nil {
			timezone = loc
		} else {
			logger.Warn("Unknown cron timezone, using UTC", zap.String("timezone", config.Timezone), zap.Error(err))
		}
	}

	cronL := safeCronLogger{logger: logger}

	manager := &Manager{
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithParser(specParser),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		timezone:        timezone,
		jobs:            make(map[string]*types.JobEntry),
		shutdown:        make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
	}

	manager.state.Store(StateStopped)

	return manager
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if spec == "" {
		return types.ErrCronExpressionInvalid
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	return m.addJob(jobName, spec, m.wrapJob(jobName, job))
}

// Jobs returns a snapshot of registered jobs ordered by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		jobs = append(jobs, *entry)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (m *Manager) Timezone() *time.Location {
	return m.timezone
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	select {
	case <-m.shutdown:
		m.setState(StateStopped)
		return types.ErrTaskStopped
	default:
	}

	m.cron.Start()
	m.setState(StateRunning)
	m.setSchedulerStatus(1)

	m.logger.Info("Cron manager started",
		zap.String("timezone", m.timezone.String()),
		zap.Int("jobs", len(m.Jobs())))
	return nil
}

// Stop halts scheduling and waits up to the shutdown timeout for running
// jobs. A stopped manager cannot be restarted.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	var err error
	m.shutdownOnce.Do(func() {
		close(m.shutdown)

		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()

		select {
		case <-m.cron.Stop().Done():
			m.logger.Info("Cron scheduler stopped gracefully")
		case <-ctx.Done():
			err = types.WrapError(ctx.Err(), "cron jobs still running")
			m.logger.Warn("Cron manager stop timeout, some jobs may still be running")
		}

		m.setSchedulerStatus(0)
	})

	m.setState(StateStopped)
	return err
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) wrapJob(jobName string, job func()) func() {
	return func() {
		select {
		case <-m.shutdown:
			m.logger.Debug("Job skipped due to shutdown", zap.String("job_name", jobName))
			return
		default:
		}

		startTime := time.Now()
		m.updateJobStatsStart(jobName, startTime)

		m.metrics.Gauge("cron_active_jobs", nil).Inc()
		defer m.metrics.Gauge("cron_active_jobs", nil).Dec()

		result := "success"
		defer func() {
			if r := recover(); r != nil {
				result = "error"
				m.metrics.Counter("cron_job_errors_total", map[string]string{"job_name": jobName}).Inc()
				m.logger.Error("Cron job panicked", zap.String("job_name", jobName), zap.Any("panic", r))
			}

			duration := time.Since(startTime)
			m.metrics.Counter("cron_job_executions_total", map[string]string{"job_name": jobName, "result": result}).Inc()
			m.metrics.Histogram("cron_job_duration_seconds",
				[]float64{0.001, 0.01, 0.1, 1, 10, 60},
				map[string]string{"job_name": jobName},
			).Observe(duration.Seconds())
			m.updateJobStatsFinish(jobName, duration)

			m.logger.Debug("Cron job completed",
				zap.String("job_name", jobName),
				zap.String("result", result),
				zap.Duration("duration", duration))
		}()

		job()
	}
}

func (m *Manager) addJob(jobName, spec string, job func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.shutdown:
		return types.ErrTaskStopped
	default:
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", jobName)
	}

	entryID, err := m.cron.AddFunc(spec, job)
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	m.jobs[jobName] = &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		AddedAt: time.Now(),
	}

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

func (m *Manager) updateJobStatsStart(jobName string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.jobs[jobName]; exists {
		entry.LastRun = startTime
	}
}

func (m *Manager) updateJobStatsFinish(jobName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.jobs[jobName]; exists {
		entry.LastDuration = duration
		entry.RunCount++
	}
}

func (m *Manager) setSchedulerStatus(value float64) {
	m.metrics.Gauge("cron_scheduler_running", nil).Set(value)
}

// safeCronLogger adapts types.Logger to cron.Logger.
type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, toFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(toFields(keysAndValues), zap.Error(err))
	l.logger.Error("cron: "+msg, fields...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
