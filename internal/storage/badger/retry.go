package badger

import (
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

const (
	retryAttempts = 3
	retryBaseWait = 100 * time.Millisecond
)

// withRetry runs a storage operation up to retryAttempts times with a
// linear backoff. Not-found is a result, not a transient fault, so it
// never retries.
func withRetry(logger arbor.ILogger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
		if attempt < retryAttempts {
			logger.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Err(err).
				Msg("Storage operation failed, retrying")
			time.Sleep(retryBaseWait * time.Duration(attempt))
		}
	}
	return err
}
