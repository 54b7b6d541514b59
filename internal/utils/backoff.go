package utils

import (
	"context"
	"time"
)

// BackoffManager manages exponential backoff between upstream connect attempts
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval increases the current interval exponentially up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// Wait sleeps for the current interval, then doubles it.
// It returns early with the context error if ctx is cancelled first.
func (b *BackoffManager) Wait(ctx context.Context) error {
	d := b.currentInterval
	b.IncreaseInterval()
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
