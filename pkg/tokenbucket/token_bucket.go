// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket implements the rate limiter behind
// status.WalkOptions.Throttle: a bound on how fast a status walker
// issues stat/readdir calls against a working directory, so a large
// tree on a slow or network filesystem doesn't saturate it.
package tokenbucket

import (
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple threads at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float32
	capacity float32
	current  float32
	last     time.Time
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens). One token
// corresponds to one filesystem call when used as a walker throttle.
func New(rate float32, capacity float32) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// Take consumes n tokens from the bucket and sleeps until those tokens are replenished.
func (tb *TokenBucket) Take(n float32) {
	time.Sleep(tb.TakeAndUpdate(n, time.Now()))
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should sleep until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float32, now time.Time) (sleepTime time.Duration) {
	tb.lock.Lock()

	// Add capacity based on elapsed time, capped at capacity.
	elapsed := now.Sub(tb.last)
	tb.last = now
	tb.current += tb.rate * float32(elapsed.Seconds())
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
	tb.current -= n

	sleepTime = time.Duration(-tb.current / tb.rate * float32(time.Second))

	tb.lock.Unlock()
	return
}
