package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on its own goroutine and converts a panic into a logged
// error instead of a process crash. Fire-and-forget work that must never
// take down the proxy, such as session archive writes, goes through
// here; name tags the log entry.
//
// Usage:
//
//	safego.Go(logger, "archive-session", func() {
//	    // best-effort work
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
