// -----------------------------------------------------------------------
// Safe goroutines - panic-protected background work
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var (
	goroutineCounter int64
	panicCounter     int64
)

// GetGoroutineCount returns the number of goroutines spawned via SafeGo
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// GetPanicCount returns how many SafeGo goroutines recovered from a panic
func GetPanicCount() int64 {
	return atomic.LoadInt64(&panicCounter)
}

// SafeGo runs fn in a goroutine with panic recovery. A panic in a dispatch,
// poll or reconnect loop is logged and must not take the process down.
//
// Example:
//
//	common.SafeGo(logger, "poll:"+jobID, func() {
//	    poller.Poll(ctx, jobID, interval, budget)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&panicCounter, 1)

				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				stack := string(buf[:n])

				if logger != nil {
					logger.Error().
						Str("goroutine", name).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", stack).
						Msg("Recovered from panic in goroutine - continuing")
				} else {
					fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stack)
				}
			}
		}()

		fn()
	}()
}
