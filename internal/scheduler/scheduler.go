package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one run of scheduled work. Fields returned on success are attached
// to the run's log line.
type Job func(ctx context.Context) ([]zap.Field, error)

// Status is a snapshot of a scheduler's run history.
type Status struct {
	Job       string     `json:"job"`
	Running   bool       `json:"running"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// Scheduler runs job immediately on Start and then every interval until
// Stop. A failing or panicking run is recorded and the loop continues.
type Scheduler struct {
	name     string
	interval time.Duration
	job      Job
	log      *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statMu    sync.Mutex
	runs      int64
	failures  int64
	lastRunAt time.Time
	lastErr   string
}

func New(name string, interval time.Duration, job Job, log *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if job == nil {
		return nil, errors.New("job must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		log:      log.With(zap.String("job", name)),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", zap.Duration("interval", s.interval))

		s.run(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) Name() string {
	return s.name
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.statMu.Lock()
	defer s.statMu.Unlock()

	st := Status{
		Job:       s.name,
		Running:   s.running.Load(),
		Runs:      s.runs,
		Failures:  s.failures,
		LastError: s.lastErr,
	}
	if !s.lastRunAt.IsZero() {
		at := s.lastRunAt
		st.LastRunAt = &at
	}
	return st
}

func (s *Scheduler) run(ctx context.Context) {
	start := time.Now()
	fields, err := s.safeRun(ctx)
	elapsed := zap.Int64("duration_ms", time.Since(start).Milliseconds())

	s.statMu.Lock()
	s.runs++
	s.lastRunAt = start.UTC()
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.statMu.Unlock()

	if err != nil {
		s.log.Error("job run failed", elapsed, zap.Error(err))
		return
	}
	s.log.Info("job run completed", append(fields, elapsed)...)
}

func (s *Scheduler) safeRun(ctx context.Context) (fields []zap.Field, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return s.job(ctx)
}
