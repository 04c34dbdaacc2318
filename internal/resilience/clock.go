package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time for breaker and rate-limit bookkeeping
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time { return time.Now() }

// Sleeper waits between attempts. It must return early with ctx.Err() when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep is the production Sleeper
func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Jitter returns a random duration in [0, max)
type Jitter interface {
	Jitter(max time.Duration) time.Duration
}

// SeededJitter is a goroutine-safe jitter source backed by a seeded math/rand
type SeededJitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSeededJitter creates a jitter source. The same seed yields the same sequence.
func NewSeededJitter(seed int64) *SeededJitter {
	return &SeededJitter{rnd: rand.New(rand.NewSource(seed))}
}

// Jitter implements Jitter
func (j *SeededJitter) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rnd.Int63n(int64(max)))
}

// NoJitter always returns zero
type NoJitter struct{}

// Jitter implements Jitter
func (NoJitter) Jitter(time.Duration) time.Duration { return 0 }
