package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source for everything that waits: retry backoff,
// reveal ticks and message timestamps.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
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

// Virtual advances its own time on every Sleep instead of blocking.
// OnSleep, when set, runs after the time has advanced and before Sleep
// returns, which lets tests cancel a context at a precise tick.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	OnSleep func(d time.Duration)
}

func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.sleeps = append(v.sleeps, d)
	hook := v.OnSleep
	v.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.mu.Unlock()
}

// Sleeps returns every duration passed to Sleep, in call order.
func (v *Virtual) Sleeps() []time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]time.Duration, len(v.sleeps))
	copy(out, v.sleeps)
	return out
}
