package safego

import (
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "probe-loop", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		runRecovered(logger, name, fn)
	}()
}

// GoRestart is Go for loops that must survive the process lifetime (the
// flow feed, maintenance tickers). After a panic the function is relaunched
// following a short pause; a normal return ends the goroutine.
func GoRestart(logger *zap.Logger, name string, fn func()) {
	go func() {
		for {
			if runRecovered(logger, name, fn) {
				return
			}
			time.Sleep(time.Second)
		}
	}()
}

func runRecovered(logger *zap.Logger, name string, fn func()) (done bool) {
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
	return true
}
