// Package dispatch runs the periodic producer ticks and the stale claim sweep.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/metrics"
	"whatsapp-dispatch/internal/sequence"

	"github.com/robfig/cron/v3"
)

// Job is one tick. now is always UTC.
type Job func(ctx context.Context, now time.Time) error

type CampaignTicker interface {
	Tick(ctx context.Context, now time.Time) error
}

type SequenceTicker interface {
	Tick(ctx context.Context, now time.Time) (sequence.TickResult, error)
}

type Sweeper interface {
	SweepStale(ctx context.Context, lease time.Duration) (int64, error)
}

// Scheduler wraps cron. Jobs never overlap with themselves: a tick still
// running when the next one is due makes that one skip.
type Scheduler struct {
	c   *cron.Cron
	log logger.Logger
	now func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	names  map[cron.EntryID]string
}

func New(log logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(logger.CronLogger{L: log}), cron.SkipIfStillRunning(logger.CronLogger{L: log})),
		),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		names:  map[cron.EntryID]string{},
	}
}

func (s *Scheduler) Add(name, spec string, job Job) error {
	id, err := s.c.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	s.log.Info("job scheduled", map[string]interface{}{"job": name, "spec": spec})
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := job(ctx, s.now()); err != nil {
		s.log.WithError(err).Error("tick failed", map[string]interface{}{"job": name})
		return
	}
	s.log.Debug("tick done", map[string]interface{}{"job": name, "took": time.Since(start).String()})
}

// RegisterDefaults schedules the campaign tick, the sequence tick and the
// lease sweep from configuration.
func (s *Scheduler) RegisterDefaults(cfg config.DispatchConfig, campaigns CampaignTicker, sequences SequenceTicker, sweeper Sweeper) error {
	if err := s.Add("campaign", cfg.CampaignSchedule, campaigns.Tick); err != nil {
		return err
	}
	if err := s.Add("sequence", cfg.SequenceSchedule, func(ctx context.Context, now time.Time) error {
		_, err := sequences.Tick(ctx, now)
		return err
	}); err != nil {
		return err
	}
	return s.Add("sweep", cfg.SweepSchedule, func(ctx context.Context, now time.Time) error {
		n, err := sweeper.SweepStale(ctx, cfg.LeaseTimeout)
		if err != nil {
			return err
		}
		if n > 0 {
			metrics.StaleClaimsReclaimed.Add(float64(n))
			s.log.Warn("stale claims returned to pending", map[string]interface{}{"count": n})
		}
		return nil
	})
}

// Start runs the jobs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
}

// Stop cancels running ticks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.c.Stop().Done()
}

// Jobs lists scheduled job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.c.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}
