// Package resource paces the engine's background work. Snapshot flushes
// and archive uploads funnel through a Governor so that maintenance I/O
// cannot starve request serving.
package resource

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds background work limits.
type Config struct {
	// MaxBackgroundJobs caps concurrent snapshot flushes and archive
	// transfers. Zero defaults to 1.
	MaxBackgroundJobs int64

	// IOBytesPerSec paces background file and network writes. Zero means
	// unpaced.
	IOBytesPerSec int64
}

// Governor grants background job slots and paces their I/O.
type Governor struct {
	jobs *semaphore.Weighted
	io   *rate.Limiter
}

// NewGovernor creates a governor from cfg.
func NewGovernor(cfg Config) *Governor {
	if cfg.MaxBackgroundJobs <= 0 {
		cfg.MaxBackgroundJobs = 1
	}
	g := &Governor{
		jobs: semaphore.NewWeighted(cfg.MaxBackgroundJobs),
	}
	if cfg.IOBytesPerSec > 0 {
		g.io = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}
	return g
}

// AcquireJob reserves a background slot, blocking until one frees up or
// ctx is canceled. A nil governor admits everything.
func (g *Governor) AcquireJob(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.jobs.Acquire(ctx, 1)
}

// TryAcquireJob reserves a background slot without blocking.
func (g *Governor) TryAcquireJob() bool {
	if g == nil {
		return true
	}
	return g.jobs.TryAcquire(1)
}

// ReleaseJob returns a background slot.
func (g *Governor) ReleaseJob() {
	if g == nil {
		return
	}
	g.jobs.Release(1)
}

// PaceIO waits until the I/O budget allows n more bytes.
func (g *Governor) PaceIO(ctx context.Context, n int) error {
	if g == nil || g.io == nil || n <= 0 {
		return nil
	}
	// WaitN rejects requests above the burst size; split them.
	burst := g.io.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := g.io.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// ChargeIO consumes n bytes of budget without waiting. Callers that
// cannot pace an operation up front charge it afterwards, which delays
// the next paced operation instead.
func (g *Governor) ChargeIO(n int) {
	if g == nil || g.io == nil || n <= 0 {
		return
	}
	burst := g.io.Burst()
	now := time.Now()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		g.io.ReserveN(now, chunk)
		n -= chunk
	}
}
