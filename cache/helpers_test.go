package cache

import (
	"sync"
	"time"

	"github.com/agentuity/go-cache/logger"
)

// fakeClock starts at the current second so Redis native expiry, which runs
// on the server clock, agrees with it until the test advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func alwaysSweep() bool { return true }

// testOptions pins the clock, disables random sweeping and records logs.
func testOptions(clock *fakeClock, log *logger.TestLogger) []Option {
	return []Option{
		WithClock(clock),
		WithCleaningFactor(0),
		WithLogger(log),
	}
}
