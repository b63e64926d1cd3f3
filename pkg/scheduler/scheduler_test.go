package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTickerCallsOncePerInterval(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ticker := NewTicker(WithClock(fake))
	ticks := make(chan time.Time, 10)
	stop := ticker.Start(context.Background(), func(now time.Time) { ticks <- now })
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, fake.BlockUntilContext(ctx, 1))

	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		select {
		case now := <-ticks:
			assert.Equal(t, fake.Now(), now)
		case <-time.After(time.Second):
			t.Fatalf("tick %d not received", i)
		}
	}
}

func TestStopCancelsTicker(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ticker := NewTicker(WithClock(fake), WithInterval(500*time.Millisecond))
	var calls atomic.Int32
	stop := ticker.Start(context.Background(), func(time.Time) { calls.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, fake.BlockUntilContext(ctx, 1))
	stop()

	fake.Advance(5 * time.Second)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWithIntervalIgnoresInvalid(t *testing.T) {
	ticker := NewTicker(WithInterval(0))
	assert.Equal(t, DefaultInterval, ticker.interval)
}
