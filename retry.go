package docsession

import (
	"context"
	"math/rand/v2"
	"time"
)

// jitter returns a uniformly random delay in [0, ceiling).
func jitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling)
}

// sleepJitter waits a random delay bounded by ceiling, or until ctx is done.
func sleepJitter(ctx context.Context, ceiling time.Duration) error {
	d := jitter(ceiling)
	if d == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
