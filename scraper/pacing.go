package scraper

import (
	"context"
	"math/rand"
	"time"
)

// DelayFunc pauses for a duration in [min, max] or until ctx is done.
type DelayFunc func(ctx context.Context, min, max time.Duration) error

// RandomDelay sleeps for a uniformly random duration in [min, max].
func RandomDelay(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
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

// NoDelay only reports cancellation.
func NoDelay(ctx context.Context, _, _ time.Duration) error {
	return ctx.Err()
}

// Pacing holds the pause windows between search pages and between batches.
type Pacing struct {
	PageMin, PageMax   time.Duration
	BatchMin, BatchMax time.Duration
	Delay              DelayFunc
}

func (p Pacing) delay() DelayFunc {
	if p.Delay == nil {
		return RandomDelay
	}
	return p.Delay
}

func (p Pacing) BetweenPages(ctx context.Context) error {
	return p.delay()(ctx, p.PageMin, p.PageMax)
}

func (p Pacing) BetweenBatches(ctx context.Context) error {
	return p.delay()(ctx, p.BatchMin, p.BatchMax)
}
