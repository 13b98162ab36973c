package fault

import (
	"context"
	"runtime"
	"time"
)

// Backoff escalates from busy spinning to yielding to sleeping. It is used
// wherever a waiter depends on another process making progress in shared
// memory, so no blocking primitive is available.
type Backoff struct {
	Spins    int
	Yields   int
	MinSleep time.Duration
	MaxSleep time.Duration

	n     int
	sleep time.Duration
}

// NewBackoff returns the default escalation.
func NewBackoff() *Backoff {
	return &Backoff{Spins: 64, Yields: 64, MinSleep: 10 * time.Microsecond, MaxSleep: time.Millisecond}
}

// Wait performs one step. It returns ctx.Err() once ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	b.n++
	switch {
	case b.n <= b.Spins:
		if b.n&7 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	case b.n <= b.Spins+b.Yields:
		runtime.Gosched()
		return ctx.Err()
	}
	if b.sleep == 0 {
		b.sleep = b.MinSleep
	} else if b.sleep < b.MaxSleep {
		b.sleep *= 2
		if b.sleep > b.MaxSleep {
			b.sleep = b.MaxSleep
		}
	}
	t := time.NewTimer(b.sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Steps reports how many times Wait has been called since the last Reset.
func (b *Backoff) Steps() int { return b.n }

// Sleeping reports whether the backoff has escalated past spinning and yielding.
func (b *Backoff) Sleeping() bool { return b.n > b.Spins+b.Yields }

func (b *Backoff) Reset() {
	b.n = 0
	b.sleep = 0
}
