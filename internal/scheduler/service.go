// Package scheduler runs maintenance tasks on fixed schedules: retrying
// the pending queue while the remote is reachable and flushing store
// writes that missed the backend.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/opsdash/internal/errorreporting"
	"github.com/onnwee/opsdash/internal/logger"
)

// Task is one scheduled job. Run is never called concurrently with itself.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type job struct {
	Task
	schedule Schedule
	nextRun  time.Time
	lastErr  error
}

// Service checks for due tasks every tick.
type Service struct {
	mu   sync.Mutex
	jobs []*job
	now  func() time.Time
	tick time.Duration
	log  *slog.Logger
	stop chan struct{}
	once sync.Once
}

const defaultTick = time.Second

// NewService validates every schedule up front.
func NewService(tasks ...Task) (*Service, error) {
	s := &Service{
		now:  time.Now,
		tick: defaultTick,
		log:  logger.WithComponent("scheduler"),
		stop: make(chan struct{}),
	}
	start := s.now()
	for _, t := range tasks {
		if t.Run == nil {
			return nil, fmt.Errorf("scheduler: task %q has no Run func", t.Name)
		}
		sch, err := ParseSchedule(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("scheduler: task %q: %w", t.Name, err)
		}
		s.jobs = append(s.jobs, &job{Task: t, schedule: sch, nextRun: sch.Next(start)})
	}
	return s, nil
}

// Start runs the loop until ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for _, j := range s.jobs {
		s.log.Info("scheduled task", "task", j.Name, "schedule", j.schedule.String(), "next_run", j.nextRun.Format(time.RFC3339))
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// Stop ends the loop started by Start.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// RunDue runs every task whose next run time has passed and returns how
// many ran. A failure is logged and reported; the task runs again at its
// next scheduled time.
func (s *Service) RunDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.nextRun) {
			j.nextRun = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		err := j.Run(ctx)
		s.mu.Lock()
		j.lastErr = err
		s.mu.Unlock()
		if err != nil {
			s.log.WarnContext(ctx, "scheduled task failed", "task", j.Name, "error", err)
			errorreporting.CaptureSyncError(err, "scheduler", "", map[string]interface{}{"task": j.Name})
			continue
		}
		s.log.DebugContext(ctx, "scheduled task done", "task", j.Name)
	}
	return len(due)
}

// NextRun reports when the named task runs next.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j.nextRun, true
		}
	}
	return time.Time{}, false
}
