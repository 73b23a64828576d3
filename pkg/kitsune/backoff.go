// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"context"
	"time"
)

// maxWorkerRetries is the number of attempts a worker makes before giving up
// and emitting a failed status.
const maxWorkerRetries = 5

// workerBackoffInitial is the first retry delay; it doubles after every
// failed attempt.
const workerBackoffInitial = time.Second

// backoff is a simple doubling backoff with no jitter and no cap, starting
// at one second. A worker makes at most five attempts, so it waits 1s, 2s,
// 4s and 8s between them.
type backoff struct {
	next time.Duration
}

func newWorkerBackoff() *backoff {
	return &backoff{next: workerBackoffInitial}
}

// Next returns the delay to use before the next attempt and advances state.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	return d
}

// sleepCtx waits for d, or returns false early if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
