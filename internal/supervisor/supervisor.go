package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// Task is one worker loop run under supervision. It should exit when
// its context is canceled.
type Task func(ctx context.Context) error

type workerSpec struct {
	name string
	run  Task
}

// Supervisor owns the in-process worker fleet: it launches each
// declared worker as a goroutine, restarts instances that fail or
// panic under the same id, and logs a periodic health report covering
// the broker, the state store and host resources. It refuses to start
// at all when the broker or store probes fail.
type Supervisor struct {
	config  *common.SupervisorConfig
	manager *queue.Manager
	store   *storage.Manager
	logger  arbor.ILogger

	restartDelay time.Duration
	specs        []workerSpec
	wg           sync.WaitGroup
	live         atomic.Int64
}

// New creates a new Supervisor instance.
func New(config *common.SupervisorConfig, manager *queue.Manager, store *storage.Manager, logger arbor.ILogger) *Supervisor {
	return &Supervisor{
		config:       config,
		manager:      manager,
		store:        store,
		logger:       logger,
		restartDelay: time.Second,
	}
}

// Register declares a worker instance. All registration happens before
// Run.
func (s *Supervisor) Register(name string, run Task) {
	s.specs = append(s.specs, workerSpec{name: name, run: run})
}

// probe verifies the shared infrastructure is reachable before any
// worker launches.
func (s *Supervisor) probe() error {
	if _, err := s.manager.Stats(); err != nil {
		return fmt.Errorf("broker probe failed: %w", err)
	}
	if err := s.store.Ping(); err != nil {
		return fmt.Errorf("state store probe failed: %w", err)
	}
	return nil
}

// Run launches the fleet and blocks until the context is canceled and
// every worker has drained, bounded by the shutdown grace period. A
// failed infrastructure probe refuses startup.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.probe(); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}
	if len(s.specs) == 0 {
		return fmt.Errorf("refusing to start: no workers registered")
	}

	s.logger.Info().Int("workers", len(s.specs)).Msg("Supervisor starting worker fleet")
	for _, spec := range s.specs {
		s.launch(ctx, spec)
	}

	interval := common.Duration(s.config.HealthInterval, 60*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			s.healthCheck()
		}
	}
}

// launch runs one worker instance, restarting it under the same name
// whenever it fails or panics. A clean exit is final.
func (s *Supervisor) launch(ctx context.Context, spec workerSpec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.live.Add(1)
			err := s.runOnce(ctx, spec)
			s.live.Add(-1)

			if ctx.Err() != nil {
				return
			}
			if err == nil {
				s.logger.Info().Str("worker", spec.name).Msg("Worker exited cleanly")
				return
			}

			s.logger.Error().
				Str("worker", spec.name).
				Err(err).
				Str("restart_in", s.restartDelay.String()).
				Msg("Worker failed, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.restartDelay):
			}
		}
	}()
}

// runOnce executes a worker with a panic guard so one crashing
// instance never takes the process down.
func (s *Supervisor) runOnce(ctx context.Context, spec workerSpec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	s.logger.Info().Str("worker", spec.name).Msg("Worker started")
	return spec.run(ctx)
}

// drain waits for the fleet to stop, bounded by the shutdown grace.
func (s *Supervisor) drain() error {
	grace := common.Duration(s.config.ShutdownGrace, 30*time.Second)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Supervisor stopped, all workers drained")
		return nil
	case <-time.After(grace):
		s.logger.Warn().
			Str("grace", grace.String()).
			Int64("live", s.live.Load()).
			Msg("Shutdown grace expired with workers still live")
		return fmt.Errorf("shutdown grace expired with %d workers live", s.live.Load())
	}
}

// healthCheck logs one structured report: broker tube counters, state
// store reachability, and a host resource snapshot. Resource pressure
// is a warning, never fatal.
func (s *Supervisor) healthCheck() {
	event := s.logger.Info()
	healthy := true

	stats, err := s.manager.Stats()
	if err != nil {
		healthy = false
		s.logger.Error().Err(err).Msg("Broker health probe failed")
	} else {
		ready, reserved, buried := 0, 0, 0
		for _, tube := range stats {
			ready += tube.Ready
			reserved += tube.Reserved
			buried += tube.Buried
		}
		event = event.
			Int("tubes", len(stats)).
			Int("jobs_ready", ready).
			Int("jobs_reserved", reserved).
			Int("jobs_buried", buried)
	}

	if err := s.store.Ping(); err != nil {
		healthy = false
		s.logger.Error().Err(err).Msg("State store health probe failed")
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		event = event.Float64("cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		event = event.Float64("mem_percent", vm.UsedPercent)
		if vm.UsedPercent > 90 {
			s.logger.Warn().Float64("mem_percent", vm.UsedPercent).Msg("Memory pressure high")
		}
	}
	if du, err := disk.Usage("."); err == nil {
		event = event.Float64("disk_percent", du.UsedPercent)
		if du.UsedPercent > 90 {
			s.logger.Warn().Float64("disk_percent", du.UsedPercent).Msg("Disk pressure high")
		}
	}

	event.
		Int64("workers_live", s.live.Load()).
		Int("workers_declared", len(s.specs)).
		Bool("healthy", healthy).
		Msg("Health report")
}
