// Package scheduler runs the bot's periodic jobs and keeps the
// in-memory activity feed.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// JobFunc is one unit of periodic work.
type JobFunc func(ctx context.Context) error

type job struct {
	name       string
	interval   time.Duration
	fn         JobFunc
	runAtStart bool

	// At most one execution in flight; an overlapping tick is skipped,
	// never queued.
	inFlight atomic.Bool
}

func (j *job) run(ctx context.Context, events *EventLog) {
	if !j.inFlight.CompareAndSwap(false, true) {
		log.Debug().Str("job", j.name).Msg("Previous run still in flight, skipping tick")
		return
	}
	defer j.inFlight.Store(false)

	start := time.Now()
	if err := j.fn(ctx); err != nil {
		log.Error().Err(err).Str("job", j.name).Msg("Job failed")
		events.Record(EventError, j.name+" failed: "+err.Error(), nil)
		return
	}
	log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("Job complete")
}

// Scheduler drives registered jobs on fixed tickers.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	events  *EventLog
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler backed by the given event log.
func New(events *EventLog) *Scheduler {
	return &Scheduler{jobs: make(map[string]*job), events: events}
}

// Add registers a job. runAtStart jobs fire immediately when the
// scheduler starts, then on every tick.
func (s *Scheduler) Add(name string, interval time.Duration, runAtStart bool, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, interval: interval, fn: fn, runAtStart: runAtStart}
	s.order = append(s.order, name)
}

// Start launches one goroutine per job. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	log.Info().Int("jobs", len(s.order)).Msg("🚀 Scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	if j.runAtStart {
		j.run(ctx, s.events)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.run(ctx, s.events)
		}
	}
}

// Stop cancels all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// Job names registered by the bot's wiring.
const (
	JobScan      = "scan"
	JobSettle    = "settle"
	JobHeartbeat = "heartbeat"
)

// RunScanNow dispatches the scan job out of band.
func (s *Scheduler) RunScanNow(ctx context.Context) bool {
	return s.Trigger(ctx, JobScan)
}

// RunSettleNow dispatches the settlement job out of band.
func (s *Scheduler) RunSettleNow(ctx context.Context) bool {
	return s.Trigger(ctx, JobSettle)
}

// Trigger runs a job once, out of band, honoring the in-flight guard.
// Returns false if the job is unknown.
func (s *Scheduler) Trigger(ctx context.Context, name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.run(ctx, s.events)
	return true
}

// Events exposes the activity feed.
func (s *Scheduler) Events() *EventLog {
	return s.events
}
