// Package scheduler provides the 1 Hz clock source driving countdown and
// leaderboard refresh. The caller owns the lifetime via context.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
)

const DefaultInterval = time.Second

type (
	TickFunc func(now time.Time)
	Ticker   struct {
		clock    clockwork.Clock
		interval time.Duration
		l        *log.Logger
	}
	Option func(*Ticker)
)

// WithClock is used by tests to pass a clockwork.FakeClock
func WithClock(c clockwork.Clock) Option {
	return func(t *Ticker) {
		t.clock = c
	}
}

func WithInterval(d time.Duration) Option {
	return func(t *Ticker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Ticker) {
		t.l = l
	}
}

func NewTicker(opts ...Option) *Ticker {
	ret := &Ticker{
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		l:        log.Default().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (t *Ticker) Clock() clockwork.Clock {
	return t.clock
}

// Run calls fn once per interval until ctx is done. The call blocks,
// the underlying ticker is stopped on return.
func (t *Ticker) Run(ctx context.Context, fn TickFunc) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	t.l.Debug("ticker started", log.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			t.l.Debug("ticker stopped")
			return
		case now := <-ticker.Chan():
			fn(now)
		}
	}
}

// Start runs the ticker in a goroutine. The returned stop function cancels
// the ticker and waits until fn is no longer called.
func (t *Ticker) Start(ctx context.Context, fn TickFunc) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.Run(ctx, fn)
	}()
	return func() {
		cancel()
		<-done
	}
}
