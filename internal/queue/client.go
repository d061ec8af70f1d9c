package queue

import (
	"errors"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
)

// Client is the thin transport over the broker that one worker loop
// owns. It tracks the destination tube for puts and the watched set
// for reserves, mirroring the use/watch/ignore protocol. A Client is
// single-goroutine use from the caller's perspective; workers never
// share one.
type Client struct {
	broker  *Broker
	logger  arbor.ILogger
	useTube string
	watched map[string]bool
}

// NewClient creates a client watching only the default tube.
func NewClient(broker *Broker, logger arbor.ILogger) *Client {
	return &Client{
		broker:  broker,
		logger:  logger,
		useTube: "default",
		watched: map[string]bool{"default": true},
	}
}

// Use selects the destination tube for subsequent puts.
func (c *Client) Use(tube string) {
	c.useTube = tube
}

// Watch adds a tube to the receive set.
func (c *Client) Watch(tube string) {
	c.watched[tube] = true
}

// Ignore removes a tube from the receive set. The last watched tube
// cannot be ignored.
func (c *Client) Ignore(tube string) {
	if len(c.watched) <= 1 {
		return
	}
	delete(c.watched, tube)
}

// Watched returns the receive set in stable order.
func (c *Client) Watched() []string {
	tubes := make([]string, 0, len(c.watched))
	for tube := range c.watched {
		tubes = append(tubes, tube)
	}
	sort.Strings(tubes)
	return tubes
}

// Put enqueues a body on the current use tube.
func (c *Client) Put(body []byte, priority uint32, delay, ttr time.Duration) (uint64, error) {
	return c.broker.Put(c.useTube, body, priority, delay, ttr)
}

// Reserve blocks up to timeout for the next job from the watched set.
// Returns (nil, nil) on timeout.
func (c *Client) Reserve(timeout time.Duration) (*Job, error) {
	return c.broker.Reserve(c.Watched(), timeout)
}

// Touch extends a leased job's TTR to its full value. A touch on an
// expired or deleted job is non-fatal: the loss is logged and the
// caller discovers it on the next reserve.
func (c *Client) Touch(job *Job) error {
	err := c.broker.Touch(job.Tube, job.ID)
	if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotReserved)) {
		c.logger.Warn().
			Int64("job_id", int64(job.ID)).
			Str("tube", job.Tube).
			Err(err).
			Msg("Touch on lost job ignored")
		return nil
	}
	return err
}

// Delete removes a job from the broker.
func (c *Client) Delete(job *Job) error {
	return c.broker.Delete(job.Tube, job.ID)
}

// Release returns a leased job to the ready (or delayed) state.
func (c *Client) Release(job *Job, priority uint32, delay time.Duration) error {
	return c.broker.Release(job.Tube, job.ID, priority, delay)
}

// Bury parks a leased job for operator inspection.
func (c *Client) Bury(job *Job, priority uint32) error {
	return c.broker.Bury(job.Tube, job.ID, priority)
}

// PeekReady inspects the next ready job of a tube without leasing it.
func (c *Client) PeekReady(tube string) (*Job, error) { return c.broker.PeekReady(tube) }

// PeekDelayed inspects the soonest delayed job of a tube.
func (c *Client) PeekDelayed(tube string) (*Job, error) { return c.broker.PeekDelayed(tube) }

// PeekBuried inspects the oldest buried job of a tube.
func (c *Client) PeekBuried(tube string) (*Job, error) { return c.broker.PeekBuried(tube) }

// StatsTube returns the counters of one tube.
func (c *Client) StatsTube(tube string) (TubeStats, error) { return c.broker.StatsTube(tube) }

// StatsJob returns the current counters of a job.
func (c *Client) StatsJob(job *Job) (*Job, error) { return c.broker.StatsJob(job.Tube, job.ID) }

// Stats returns counters for every known tube.
func (c *Client) Stats() (map[string]TubeStats, error) { return c.broker.Stats() }
