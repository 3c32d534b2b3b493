package rise

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Default schedules of a DrainScheduler.
const (
	DefaultHealthSchedule = "@every 15s"
	DefaultDrainSchedule  = "@every 30s"
)

// DrainSchedulerConfig configures a DrainScheduler.
type DrainSchedulerConfig struct {
	// HealthSchedule is the cron spec for connectivity probes.
	HealthSchedule string
	// DrainSchedule is the cron spec for periodic drains while online.
	DrainSchedule string
	// DrainTimeout bounds a single drain run.
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// DrainScheduler keeps a NetworkMonitor fresh and drains the queue while the
// device is online. A transition to online drains immediately.
type DrainScheduler struct {
	queue   *OutboundQueue
	monitor *NetworkMonitor
	probe   ConnectivityProbe
	cfg     DrainSchedulerConfig
	logger  zerolog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	handler func([]ReplayOutcome)
}

// NewDrainScheduler creates a scheduler. probe may be nil, in which case the
// monitor is only updated by its owner.
func NewDrainScheduler(queue *OutboundQueue, monitor *NetworkMonitor, probe ConnectivityProbe, cfg DrainSchedulerConfig) *DrainScheduler {
	if cfg.HealthSchedule == "" {
		cfg.HealthSchedule = DefaultHealthSchedule
	}
	if cfg.DrainSchedule == "" {
		cfg.DrainSchedule = DefaultDrainSchedule
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = time.Minute
	}
	s := &DrainScheduler{
		queue:   queue,
		monitor: monitor,
		probe:   probe,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "drain-scheduler").Logger(),
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
	}
	monitor.OnChange(func(online bool) {
		if online {
			go s.DrainNow()
		}
	})
	return s
}

// OnDrained registers a callback for the outcomes of every non-empty drain.
func (s *DrainScheduler) OnDrained(h func([]ReplayOutcome)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start schedules the jobs. ctx bounds every job the scheduler runs.
func (s *DrainScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.probe != nil {
		if _, err := s.cron.AddFunc(s.cfg.HealthSchedule, s.checkHealth); err != nil {
			return err
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.DrainSchedule, s.DrainNow); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Debug().
		Str("health", s.cfg.HealthSchedule).
		Str("drain", s.cfg.DrainSchedule).
		Msg("drain scheduler started")
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (s *DrainScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// DrainNow drains the queue if the monitor reports online.
func (s *DrainScheduler) DrainNow() {
	ctx := s.baseContext()
	if ctx.Err() != nil || !s.monitor.IsOnline(ctx) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	outcomes, err := s.queue.Drain(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("drain failed")
	}
	if len(outcomes) == 0 {
		return
	}
	s.logger.Info().Int("outcomes", len(outcomes)).Msg("queue drained")

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(outcomes)
	}
}

func (s *DrainScheduler) checkHealth() {
	ctx := s.baseContext()
	if ctx.Err() != nil {
		return
	}
	s.monitor.Refresh(ctx, s.probe)
}

func (s *DrainScheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
