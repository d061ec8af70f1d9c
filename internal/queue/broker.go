package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

var (
	// ErrNotFound is returned when a job id does not exist or is not
	// in the expected state for the requested transition.
	ErrNotFound = errors.New("job not found")
	// ErrNotReserved is returned when touch/release/bury is called on
	// a job that is not currently reserved.
	ErrNotReserved = errors.New("job not reserved")
)

// JobState is the broker-side lifecycle state of a queued job.
type JobState string

const (
	StateReady    JobState = "ready"
	StateDelayed  JobState = "delayed"
	StateReserved JobState = "reserved"
	StateBuried   JobState = "buried"
)

// Job is the broker-owned message. ID is broker-assigned and
// monotonically increasing, which doubles as the FIFO tie-breaker
// within a priority band.
type Job struct {
	ID       uint64        `json:"id"`
	Tube     string        `json:"tube"`
	Body     []byte        `json:"body"`
	Priority uint32        `json:"priority"`
	Delay    time.Duration `json:"delay"`
	TTR      time.Duration `json:"ttr"`
	State    JobState      `json:"state"`

	Reserves uint32 `json:"reserves"`
	Releases uint32 `json:"releases"`
	Timeouts uint32 `json:"timeouts"`
	Buries   uint32 `json:"buries"`
	Kicks    uint32 `json:"kicks"`
	Touches  uint32 `json:"touches"`

	CreatedAt  time.Time `json:"created_at"`
	ReadyAt    time.Time `json:"ready_at"`    // when a delayed job becomes ready
	DeadlineAt time.Time `json:"deadline_at"` // TTR deadline while reserved
}

// TimeLeft returns the remaining TTR of a reserved job.
func (j *Job) TimeLeft(now time.Time) time.Duration {
	if j.State != StateReserved {
		return 0
	}
	return j.DeadlineAt.Sub(now)
}

// TubeStats are per-tube counters. Occupied (ready + reserved) drives
// the scheduler's capacity target.
type TubeStats struct {
	Tube      string `json:"tube"`
	Ready     int    `json:"current-jobs-ready"`
	Delayed   int    `json:"current-jobs-delayed"`
	Reserved  int    `json:"current-jobs-reserved"`
	Buried    int    `json:"current-jobs-buried"`
	TotalJobs uint64 `json:"total-jobs"`
}

// Occupied is the number of jobs either waiting or being worked.
func (s TubeStats) Occupied() int {
	return s.Ready + s.Reserved
}

// Broker is an embedded FIFO priority tube broker on badger. Within a
// tube, delivery order is {priority asc, enqueue order asc}; delayed
// jobs surface when their delay elapses; reserved jobs whose TTR
// expires are returned to ready automatically on the next reserve.
//
// All mutations run in single badger transactions, so the broker is
// safe for concurrent use from many worker goroutines.
type Broker struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger arbor.ILogger

	// pollInterval bounds reserve latency while blocking.
	pollInterval time.Duration
}

// OpenBroker opens (creating if needed) the broker database at path.
func OpenBroker(path string, logger arbor.ILogger) (*Broker, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create broker directory: %w", err)
	}

	options := badger.DefaultOptions(path)
	options.Logger = nil // arbor is the single logging front

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker database: %w", err)
	}

	seq, err := db.GetSequence([]byte("broker:seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open broker sequence: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Broker database opened")

	return &Broker{
		db:           db,
		seq:          seq,
		logger:       logger,
		pollInterval: 50 * time.Millisecond,
	}, nil
}

// update runs fn in a read-write transaction, retrying on badger's
// optimistic-concurrency conflicts. Concurrent workers reserving from
// the same tube collide routinely; the loser simply retries.
func (b *Broker) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Close releases the sequence and closes the database.
func (b *Broker) Close() error {
	if b.seq != nil {
		if err := b.seq.Release(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to release broker sequence")
		}
	}
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Key layout. Zero-padded ids and nanosecond timestamps make badger's
// lexicographic iteration order the delivery order.
//
//	j:{tube}:{id:020d}                      -> Job JSON
//	t:{tube}:ready:{pri:010d}:{id:020d}     -> ""
//	t:{tube}:delayed:{readyAtNs:020d}:{id}  -> ""
//	t:{tube}:reserved:{deadlineNs:020d}:{id}-> ""
//	t:{tube}:buried:{id:020d}               -> ""
//	tubes:{tube}                            -> ""

func jobKey(tube string, id uint64) []byte {
	return []byte(fmt.Sprintf("j:%s:%020d", tube, id))
}

func readyKey(tube string, pri uint32, id uint64) []byte {
	return []byte(fmt.Sprintf("t:%s:ready:%010d:%020d", tube, pri, id))
}

func delayedKey(tube string, readyAt time.Time, id uint64) []byte {
	return []byte(fmt.Sprintf("t:%s:delayed:%020d:%020d", tube, readyAt.UnixNano(), id))
}

func reservedKey(tube string, deadline time.Time, id uint64) []byte {
	return []byte(fmt.Sprintf("t:%s:reserved:%020d:%020d", tube, deadline.UnixNano(), id))
}

func buriedKey(tube string, id uint64) []byte {
	return []byte(fmt.Sprintf("t:%s:buried:%020d", tube, id))
}

func tubeKey(tube string) []byte {
	return []byte("tubes:" + tube)
}

// idFromIndexKey extracts the trailing zero-padded job id.
func idFromIndexKey(key []byte) (uint64, error) {
	s := string(key)
	idx := strings.LastIndex(s, ":")
	if idx < 0 || idx == len(s)-1 {
		return 0, fmt.Errorf("invalid index key %q", s)
	}
	return strconv.ParseUint(s[idx+1:], 10, 64)
}

// indexKeyFor returns the index key a job occupies in its current state.
func indexKeyFor(j *Job) []byte {
	switch j.State {
	case StateReady:
		return readyKey(j.Tube, j.Priority, j.ID)
	case StateDelayed:
		return delayedKey(j.Tube, j.ReadyAt, j.ID)
	case StateReserved:
		return reservedKey(j.Tube, j.DeadlineAt, j.ID)
	case StateBuried:
		return buriedKey(j.Tube, j.ID)
	}
	return nil
}

func (b *Broker) getJob(txn *badger.Txn, tube string, id uint64) (*Job, error) {
	item, err := txn.Get(jobKey(tube, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *Broker) putJob(txn *badger.Txn, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return txn.Set(jobKey(j.Tube, j.ID), data)
}

// moveState rewrites the job's index entry from its old state to the
// state already set on the struct.
func (b *Broker) moveState(txn *badger.Txn, j *Job, oldIndexKey []byte) error {
	if oldIndexKey != nil {
		if err := txn.Delete(oldIndexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	if newKey := indexKeyFor(j); newKey != nil {
		if err := txn.Set(newKey, []byte{}); err != nil {
			return err
		}
	}
	return b.putJob(txn, j)
}

// Put enqueues a job body on a tube and returns the broker-assigned id.
// A delay > 0 parks the job as delayed until the delay elapses.
func (b *Broker) Put(tube string, body []byte, priority uint32, delay, ttr time.Duration) (uint64, error) {
	id, err := b.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate job id: %w", err)
	}
	if id == 0 { // keep 0 as the "no job" sentinel
		if id, err = b.seq.Next(); err != nil {
			return 0, fmt.Errorf("failed to allocate job id: %w", err)
		}
	}

	now := time.Now()
	job := &Job{
		ID:        id,
		Tube:      tube,
		Body:      body,
		Priority:  priority,
		Delay:     delay,
		TTR:       ttr,
		State:     StateReady,
		CreatedAt: now,
		ReadyAt:   now,
	}
	if delay > 0 {
		job.State = StateDelayed
		job.ReadyAt = now.Add(delay)
	}

	err = b.update(func(txn *badger.Txn) error {
		if err := txn.Set(tubeKey(tube), []byte{}); err != nil {
			return err
		}
		if err := b.putJob(txn, job); err != nil {
			return err
		}
		return txn.Set(indexKeyFor(job), []byte{})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put job: %w", err)
	}
	return id, nil
}

// promote moves due delayed jobs and TTR-expired reserved jobs back to
// ready. Expiry increments the job's timeouts counter.
func (b *Broker) promote(txn *badger.Txn, tube string, now time.Time) error {
	type move struct {
		id      uint64
		oldKey  []byte
		expired bool
	}
	var moves []move

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	for _, scan := range []struct {
		prefix  string
		expired bool
	}{
		{fmt.Sprintf("t:%s:delayed:", tube), false},
		{fmt.Sprintf("t:%s:reserved:", tube), true},
	} {
		it := txn.NewIterator(opts)
		prefix := []byte(scan.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			// Key format: t:{tube}:{state}:{ns:020d}:{id:020d}
			parts := strings.Split(string(key), ":")
			if len(parts) < 5 {
				continue
			}
			ns, err := strconv.ParseInt(parts[3], 10, 64)
			if err != nil {
				continue
			}
			if time.Unix(0, ns).After(now) {
				break // keys sort by timestamp; the rest are in the future
			}
			id, err := idFromIndexKey(key)
			if err != nil {
				continue
			}
			moves = append(moves, move{id: id, oldKey: key, expired: scan.expired})
		}
		it.Close()
	}

	for _, m := range moves {
		job, err := b.getJob(txn, tube, m.id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Orphaned index entry, clean it up.
				if err := txn.Delete(m.oldKey); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if m.expired {
			job.Timeouts++
		}
		job.State = StateReady
		if err := b.moveState(txn, job, m.oldKey); err != nil {
			return err
		}
	}
	return nil
}

// reserveOne claims the lowest-priority ready job across the watched
// tubes, or returns nil when none is ready.
func (b *Broker) reserveOne(tubes []string, now time.Time) (*Job, error) {
	var claimed *Job
	err := b.update(func(txn *badger.Txn) error {
		claimed = nil
		for _, tube := range tubes {
			if err := b.promote(txn, tube, now); err != nil {
				return err
			}
		}

		var bestKey []byte
		var bestTube string
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		for _, tube := range tubes {
			prefix := []byte(fmt.Sprintf("t:%s:ready:", tube))
			it := txn.NewIterator(opts)
			it.Seek(prefix)
			if it.ValidForPrefix(prefix) {
				key := it.Item().KeyCopy(nil)
				// Compare the {pri}:{id} suffix across tubes.
				if bestKey == nil || compareReadySuffix(key, bestKey) < 0 {
					bestKey = key
					bestTube = tube
				}
			}
			it.Close()
		}
		if bestKey == nil {
			return nil
		}

		id, err := idFromIndexKey(bestKey)
		if err != nil {
			return err
		}
		job, err := b.getJob(txn, bestTube, id)
		if err != nil {
			return err
		}
		job.State = StateReserved
		job.Reserves++
		job.DeadlineAt = now.Add(job.TTR)
		if err := b.moveState(txn, job, bestKey); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// compareReadySuffix orders ready index keys across tubes by their
// {pri:010d}:{id:020d} suffix.
func compareReadySuffix(a, c []byte) int {
	return strings.Compare(readySuffix(a), readySuffix(c))
}

func readySuffix(key []byte) string {
	s := string(key)
	idx := strings.Index(s, ":ready:")
	if idx < 0 {
		return s
	}
	return s[idx+len(":ready:"):]
}

// Reserve blocks up to timeout for the next leasable job from the
// watched tubes. Returns (nil, nil) when the timeout elapses with no
// ready job.
func (b *Broker) Reserve(tubes []string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		job, err := b.reserveOne(tubes, now)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if !now.Add(b.pollInterval).Before(deadline) {
			return nil, nil
		}
		time.Sleep(b.pollInterval)
	}
}

// Touch resets a reserved job's remaining TTR to its full value.
func (b *Broker) Touch(tube string, id uint64) error {
	return b.update(func(txn *badger.Txn) error {
		job, err := b.getJob(txn, tube, id)
		if err != nil {
			return err
		}
		if job.State != StateReserved {
			return ErrNotReserved
		}
		oldKey := indexKeyFor(job)
		job.Touches++
		job.DeadlineAt = time.Now().Add(job.TTR)
		return b.moveState(txn, job, oldKey)
	})
}

// Delete removes a job in any state.
func (b *Broker) Delete(tube string, id uint64) error {
	return b.update(func(txn *badger.Txn) error {
		job, err := b.getJob(txn, tube, id)
		if err != nil {
			return err
		}
		if key := indexKeyFor(job); key != nil {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return txn.Delete(jobKey(tube, id))
	})
}

// Release returns a reserved job to ready (or delayed) with a new
// priority, incrementing the releases counter.
func (b *Broker) Release(tube string, id uint64, priority uint32, delay time.Duration) error {
	return b.update(func(txn *badger.Txn) error {
		job, err := b.getJob(txn, tube, id)
		if err != nil {
			return err
		}
		if job.State != StateReserved {
			return ErrNotReserved
		}
		oldKey := indexKeyFor(job)
		job.Releases++
		job.Priority = priority
		if delay > 0 {
			job.State = StateDelayed
			job.ReadyAt = time.Now().Add(delay)
		} else {
			job.State = StateReady
		}
		return b.moveState(txn, job, oldKey)
	})
}

// Bury parks a reserved job in the dormant buried state; only Kick
// reconsiders it.
func (b *Broker) Bury(tube string, id uint64, priority uint32) error {
	return b.update(func(txn *badger.Txn) error {
		job, err := b.getJob(txn, tube, id)
		if err != nil {
			return err
		}
		if job.State != StateReserved {
			return ErrNotReserved
		}
		oldKey := indexKeyFor(job)
		job.Buries++
		job.Priority = priority
		job.State = StateBuried
		return b.moveState(txn, job, oldKey)
	})
}

// Kick returns up to bound buried jobs to ready, oldest first.
func (b *Broker) Kick(tube string, bound int) (int, error) {
	kicked := 0
	err := b.update(func(txn *badger.Txn) error {
		kicked = 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("t:%s:buried:", tube))

		var ids []uint64
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < bound; it.Next() {
			id, err := idFromIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		it.Close()

		for _, id := range ids {
			job, err := b.getJob(txn, tube, id)
			if err != nil {
				continue
			}
			oldKey := indexKeyFor(job)
			job.Kicks++
			job.State = StateReady
			if err := b.moveState(txn, job, oldKey); err != nil {
				return err
			}
			kicked++
		}
		return nil
	})
	return kicked, err
}

// UpdateBody rewrites a job's body in place, preserving state and
// counters. The queue manager uses this to persist the payload attempt
// counter before a release.
func (b *Broker) UpdateBody(tube string, id uint64, body []byte) error {
	return b.update(func(txn *badger.Txn) error {
		job, err := b.getJob(txn, tube, id)
		if err != nil {
			return err
		}
		job.Body = body
		return b.putJob(txn, job)
	})
}

// peekState returns the first job of a state without disturbing it.
func (b *Broker) peekState(tube, state string) (*Job, error) {
	var job *Job
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("t:%s:%s:", tube, state))
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		id, err := idFromIndexKey(it.Item().Key())
		if err != nil {
			return err
		}
		job, err = b.getJob(txn, tube, id)
		return err
	})
	return job, err
}

// PeekReady returns the next ready job of a tube without reserving it.
func (b *Broker) PeekReady(tube string) (*Job, error) { return b.peekState(tube, "ready") }

// PeekDelayed returns the soonest delayed job of a tube.
func (b *Broker) PeekDelayed(tube string) (*Job, error) { return b.peekState(tube, "delayed") }

// PeekBuried returns the oldest buried job of a tube.
func (b *Broker) PeekBuried(tube string) (*Job, error) { return b.peekState(tube, "buried") }

// ListReady returns up to limit ready jobs of a tube in delivery
// order. The queue manager's zombie purge scans these for duplicate
// crawl ids.
func (b *Broker) ListReady(tube string, limit int) ([]*Job, error) {
	var jobs []*Job
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("t:%s:ready:", tube))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(jobs) < limit; it.Next() {
			id, err := idFromIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			job, err := b.getJob(txn, tube, id)
			if err != nil {
				continue
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// countPrefix counts keys under a prefix.
func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

// StatsTube returns counters for one tube.
func (b *Broker) StatsTube(tube string) (TubeStats, error) {
	stats := TubeStats{Tube: tube}
	err := b.db.View(func(txn *badger.Txn) error {
		stats.Ready = countPrefix(txn, []byte(fmt.Sprintf("t:%s:ready:", tube)))
		stats.Delayed = countPrefix(txn, []byte(fmt.Sprintf("t:%s:delayed:", tube)))
		stats.Reserved = countPrefix(txn, []byte(fmt.Sprintf("t:%s:reserved:", tube)))
		stats.Buried = countPrefix(txn, []byte(fmt.Sprintf("t:%s:buried:", tube)))
		stats.TotalJobs = uint64(countPrefix(txn, []byte(fmt.Sprintf("j:%s:", tube))))
		return nil
	})
	return stats, err
}

// StatsJob returns the current state and counters of a job.
func (b *Broker) StatsJob(tube string, id uint64) (*Job, error) {
	var job *Job
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = b.getJob(txn, tube, id)
		return err
	})
	return job, err
}

// Tubes lists every tube that has ever seen a put.
func (b *Broker) Tubes() ([]string, error) {
	var tubes []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte("tubes:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			tubes = append(tubes, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return tubes, err
}

// Stats returns per-tube counters for every known tube. The supervisor
// health probe calls this; an error here marks the broker unhealthy.
func (b *Broker) Stats() (map[string]TubeStats, error) {
	tubes, err := b.Tubes()
	if err != nil {
		return nil, err
	}
	all := make(map[string]TubeStats, len(tubes))
	for _, tube := range tubes {
		s, err := b.StatsTube(tube)
		if err != nil {
			return nil, err
		}
		all[tube] = s
	}
	return all, nil
}
