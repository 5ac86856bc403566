package defense

import (
	"io"
	"log/slog"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGuard(whitelist ...string) (*Guard, *fakeClock) {
	cfg := DefaultConfig()
	cfg.Whitelist = whitelist
	g := New(cfg, testLogger())
	clock := newFakeClock()
	g.SetClock(clock.Now)
	return g, clock
}
