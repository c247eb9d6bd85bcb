package cache

import (
	"context"
	"time"
)

// Replay yields each chunk of the record to fn after sleeping its recorded
// delay. Cancellation is checked both between sleeps and between yields so
// an aborted consumer stops within one chunk. With fast set, delays are
// skipped entirely (the caller has its own pacing or buffers internally).
//
// A non-nil error from fn aborts the replay and is returned as-is.
func Replay(ctx context.Context, rec *Record, fast bool, fn func(Chunk) error) error {
	for _, chunk := range rec.Response.Chunks {
		if !fast && chunk.DelayMS > 0 {
			timer := time.NewTimer(time.Duration(chunk.DelayMS) * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}
