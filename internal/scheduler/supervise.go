package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// stableRun is how long a task must run before its backoff resets.
const stableRun = time.Minute

// supervise runs task until ctx is done, restarting it after every return or
// panic. Restarts wait with exponential backoff between minBackoff and
// maxBackoff. It returns the number of restarts.
func supervise(ctx context.Context, name string, minBackoff, maxBackoff time.Duration, task func(context.Context) error) int {
	logger := log.With().Str("component", "supervisor").Str("task", name).Logger()
	backoff := minBackoff
	restarts := 0

	for {
		started := time.Now()
		err := runProtected(ctx, task)
		if ctx.Err() != nil {
			return restarts
		}

		if time.Since(started) >= stableRun {
			backoff = minBackoff
		}
		logger.Warn().Err(err).Dur("backoff", backoff).Int("restarts", restarts).Msg("task exited, restarting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return restarts
		case <-timer.C:
		}

		restarts++
		backoff = min(backoff*2, maxBackoff)
	}
}

func runProtected(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}
