package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/dispatch"
	"mail-dispatch-go/internal/metrics"
)

// ErrCycleInProgress is returned by Trigger while another cycle is running
var ErrCycleInProgress = errors.New("dispatch cycle already in progress")

// Runner runs one dispatch cycle
type Runner interface {
	RunCycle(ctx context.Context) (dispatch.CycleResult, error)
}

// Status is a snapshot of the scheduler state
type Status struct {
	Running      bool                  `json:"running"`
	Busy         bool                  `json:"busy"`
	Mode         string                `json:"mode"`
	Interval     string                `json:"interval"`
	LastRun      *time.Time            `json:"last_run,omitempty"`
	NextRun      *time.Time            `json:"next_run,omitempty"`
	LastResult   *dispatch.CycleResult `json:"last_result,omitempty"`
	LastError    string                `json:"last_error,omitempty"`
	Cycles       int64                 `json:"cycles"`
	SkippedTicks int64                 `json:"skipped_ticks"`
}

// Scheduler drives the dispatch engine from a timer and from explicit triggers.
// At most one cycle runs at a time per scheduler.
type Scheduler struct {
	cron     *cron.Cron
	entryID  cron.EntryID
	interval time.Duration
	mode     string
	runner   Runner
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	busy         atomic.Bool
	cycleMu      sync.Mutex // held for the whole of a cycle
	cycles       atomic.Int64
	skippedTicks atomic.Int64

	mu        sync.RWMutex
	isRunning bool

	lastMu     sync.RWMutex
	lastRun    time.Time
	lastResult *dispatch.CycleResult
	lastError  string
}

// NewScheduler creates a stopped scheduler
func NewScheduler(interval time.Duration, mode string, runner Runner, m *metrics.Metrics) *Scheduler {
	if m == nil {
		m = metrics.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval: interval,
		mode:     mode,
		runner:   runner,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the periodic timer; starting a running scheduler is a no-op
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		logrus.Info("Scheduler already running, start ignored")
		return nil
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid scheduler interval %v", s.interval)
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	ctx := s.ctx
	c := cron.New()
	entryID, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron = c
	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %v", s.interval)
	return nil
}

// Stop removes the timer and waits for an in-flight timer cycle to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cron.Remove(s.entryID)
	<-s.cron.Stop().Done()
	s.cancel()

	s.cron = nil
	s.isRunning = false
	logrus.Info("Scheduler stopped gracefully")
	return nil
}

// IsRunning returns whether the timer is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// IsBusy reports whether a cycle is running right now
func (s *Scheduler) IsBusy() bool {
	return s.busy.Load()
}

// Trigger runs exactly one cycle now, or returns ErrCycleInProgress
func (s *Scheduler) Trigger(ctx context.Context) (dispatch.CycleResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return dispatch.CycleResult{}, ErrCycleInProgress
	}
	s.cycleMu.Lock()
	return s.run(ctx)
}

// TriggerAsync starts a cycle in the background unless one is already running
func (s *Scheduler) TriggerAsync() {
	if !s.busy.CompareAndSwap(false, true) {
		logrus.Debug("Dispatch cycle already in progress, async trigger coalesced")
		return
	}
	s.cycleMu.Lock()
	go func() {
		if _, err := s.run(context.Background()); err != nil {
			logrus.Errorf("Triggered dispatch cycle failed: %v", err)
		}
	}()
}

// tick is the timer job; a tick that finds a cycle running is dropped
func (s *Scheduler) tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.skippedTicks.Add(1)
		s.metrics.SkippedTicks.Inc()
		logrus.Debug("Dispatch cycle still running, skipping tick")
		return
	}
	s.cycleMu.Lock()

	result, err := s.run(ctx)
	if err != nil {
		logrus.Errorf("Scheduled dispatch cycle failed: %v", err)
		return
	}
	if result.HasMore {
		logrus.Debugf("Dispatch backlog remaining: %d", result.Remaining)
	}
}

// run executes one cycle; the caller must already hold the busy flag and
// cycleMu, both of which run releases
func (s *Scheduler) run(ctx context.Context) (result dispatch.CycleResult, err error) {
	s.metrics.Busy.Set(1)
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Dispatch cycle panicked: %v", r)
			err = fmt.Errorf("dispatch cycle panicked: %v", r)
		}
		s.record(result, err)
		s.metrics.Busy.Set(0)
		s.busy.Store(false)
		s.cycleMu.Unlock()
	}()

	s.cycles.Add(1)
	return s.runner.RunCycle(ctx)
}

func (s *Scheduler) record(result dispatch.CycleResult, err error) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	s.lastRun = time.Now().UTC()
	s.lastResult = &result
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time the last cycle finished
func (s *Scheduler) GetLastRun() time.Time {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastRun
}

// Status returns a snapshot for the status endpoint
func (s *Scheduler) Status() Status {
	st := Status{
		Running:      s.IsRunning(),
		Busy:         s.IsBusy(),
		Mode:         s.mode,
		Interval:     s.interval.String(),
		Cycles:       s.cycles.Load(),
		SkippedTicks: s.skippedTicks.Load(),
	}

	if next := s.GetNextRun(); !next.IsZero() {
		st.NextRun = &next
	}

	if last := s.GetLastRun(); !last.IsZero() {
		st.LastRun = &last
	}

	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.lastResult != nil {
		res := *s.lastResult
		st.LastResult = &res
	}
	st.LastError = s.lastError
	return st
}

// Wait blocks until the cycle running when it was called, if any, has
// finished. It is safe to call while new cycles are being started.
func (s *Scheduler) Wait() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
}
