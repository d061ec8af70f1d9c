package dispatch

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/queue"
)

// minTTRForTouching is the smallest lease worth extending. Short jobs
// finish inside their TTR without help.
const minTTRForTouching = 60 * time.Second

// keepAliveInterval derives the touch cadence for a lease: 40% of the
// TTR, never more often than every 15 seconds, so each touch lands
// well before the broker would expire the lease.
func keepAliveInterval(ttr time.Duration) time.Duration {
	interval := time.Duration(float64(ttr) * 0.4)
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	return interval
}

// keepAlive extends a reserved job's lease while the crawl engine runs.
// The owning loop signals stop and waits for the goroutine to drain,
// bounded by one interval plus a grace period.
type keepAlive struct {
	manager  *queue.Manager
	handle   *queue.Handle
	interval time.Duration
	logger   arbor.ILogger
	stopCh   chan struct{}
	done     chan struct{}
}

func startKeepAlive(manager *queue.Manager, handle *queue.Handle, interval time.Duration, logger arbor.ILogger) *keepAlive {
	k := &keepAlive{
		manager:  manager,
		handle:   handle,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *keepAlive) run() {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			// A vanished job surfaces as a nil error with a warning
			// from the client; the reserve loop discovers the loss.
			if err := k.manager.Touch(k.handle); err != nil {
				k.logger.Warn().
					Int64("job_id", int64(k.handle.ID())).
					Err(err).
					Msg("Lease touch failed, stopping keep-alive")
				return
			}
			k.logger.Trace().
				Int64("job_id", int64(k.handle.ID())).
				Msg("Lease extended")
		}
	}
}

// stop signals the goroutine and joins it, waiting at most one
// interval plus grace.
func (k *keepAlive) stop() {
	close(k.stopCh)
	select {
	case <-k.done:
	case <-time.After(k.interval + 5*time.Second):
		k.logger.Warn().
			Int64("job_id", int64(k.handle.ID())).
			Msg("Keep-alive did not stop within its grace period")
	}
}
