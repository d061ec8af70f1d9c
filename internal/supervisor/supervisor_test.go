package supervisor

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

type supervisorFixture struct {
	supervisor *Supervisor
	config     *common.SupervisorConfig
	store      *storage.Manager
	broker     *queue.Broker
	manager    *queue.Manager
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := storage.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "state"),
	})
	if err != nil {
		t.Fatalf("storage.NewManager failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker, err := queue.OpenBroker(filepath.Join(t.TempDir(), "broker"), logger)
	if err != nil {
		t.Fatalf("OpenBroker failed: %v", err)
	}
	t.Cleanup(func() { broker.Close() })
	manager := queue.NewManager(broker, "crawler_crawl_jobs", 3, time.Minute, logger)

	config := &common.SupervisorConfig{
		HealthInterval: "1h",
		ShutdownGrace:  "5s",
	}
	s := New(config, manager, store, logger)
	s.restartDelay = 10 * time.Millisecond

	return &supervisorFixture{
		supervisor: s,
		config:     config,
		store:      store,
		broker:     broker,
		manager:    manager,
	}
}

// runSupervisor starts Run in the background and returns its result
// channel.
func runSupervisor(s *Supervisor, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitForCalls(t *testing.T, calls *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("calls = %d, want at least %d", calls.Load(), want)
}

func TestSupervisor_RefusesToStartWithBrokerDown(t *testing.T) {
	f := newSupervisorFixture(t)
	f.supervisor.Register("noop", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	f.broker.Close()

	if err := f.supervisor.Run(context.Background()); err == nil {
		t.Fatal("expected boot refusal with the broker closed")
	}
}

func TestSupervisor_RefusesToStartWithNoWorkers(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.supervisor.Run(context.Background()); err == nil {
		t.Fatal("expected boot refusal with an empty fleet")
	}
}

func TestSupervisor_RestartsPanickingWorker(t *testing.T) {
	f := newSupervisorFixture(t)
	var calls atomic.Int64
	f.supervisor.Register("crasher", func(ctx context.Context) error {
		calls.Add(1)
		panic("worker exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(f.supervisor, ctx)

	waitForCalls(t, &calls, 3)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil after drain", err)
	}
}

func TestSupervisor_CleanExitIsFinal(t *testing.T) {
	f := newSupervisorFixture(t)
	var calls atomic.Int64
	f.supervisor.Register("oneshot", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(f.supervisor, ctx)

	waitForCalls(t, &calls, 1)
	// Long enough for a spurious restart to have happened.
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (clean exit restarted)", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestSupervisor_DrainsFleetOnCancel(t *testing.T) {
	f := newSupervisorFixture(t)
	for _, name := range []string{"worker-1", "worker-2"} {
		f.supervisor.Register(name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(f.supervisor, ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not drain after cancel")
	}
	if live := f.supervisor.live.Load(); live != 0 {
		t.Errorf("live workers = %d, want 0", live)
	}
}

func TestSupervisor_ShutdownGraceExpires(t *testing.T) {
	f := newSupervisorFixture(t)
	f.config.ShutdownGrace = "50ms"
	block := make(chan struct{})
	defer close(block)
	f.supervisor.Register("stuck", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(f.supervisor, ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error for a worker ignoring shutdown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not give up after the grace period")
	}
}

func TestSupervisor_HealthCheckSurvivesProbes(t *testing.T) {
	f := newSupervisorFixture(t)
	// Smoke test: a health pass with live infrastructure and again with
	// the broker gone must not panic.
	f.supervisor.healthCheck()
	f.broker.Close()
	f.supervisor.healthCheck()
}
