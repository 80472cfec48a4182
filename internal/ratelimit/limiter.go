// Package ratelimit throttles MCP tool calls with one token bucket per tool.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrLimited is returned by Tools.Check when a tool has no tokens left.
var ErrLimited = errors.New("ratelimit: rate limit exceeded")

// Limit is a refill rate and bucket size.
type Limit struct {
	PerMinute float64
	Burst     int
}

// Bucket is a token bucket. It starts full and is safe for concurrent use.
type Bucket struct {
	mu     sync.Mutex
	limit  Limit
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewBucket returns a full bucket for limit.
func NewBucket(limit Limit) *Bucket {
	return newBucket(limit, time.Now)
}

func newBucket(limit Limit, now func() time.Time) *Bucket {
	return &Bucket{
		limit:  limit,
		tokens: float64(limit.Burst),
		last:   now(),
		now:    now,
	}
}

// refill must be called with mu held.
func (b *Bucket) refill() {
	t := b.now()
	if elapsed := t.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(float64(b.limit.Burst), b.tokens+elapsed.Minutes()*b.limit.PerMinute)
		b.last = t
	}
}

// Take consumes one token. When none is available it returns false and the
// time until the next token; the wait is 0 if the bucket never refills.
func (b *Bucket) Take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.limit.PerMinute <= 0 {
		return false, 0
	}
	missing := 1 - b.tokens
	wait := time.Duration(missing * float64(time.Minute) / b.limit.PerMinute)
	return false, wait.Round(time.Millisecond)
}

// DefaultLimits are the per-tool limits of the MCP server. Calibrations run
// many forward models, so that tool is the tightest.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"pestcal_calibrate": {PerMinute: 6, Burst: 1},
		"pestcal_export":    {PerMinute: 5, Burst: 2},
		"pestcal_runs":      {PerMinute: 60, Burst: 10},
		"pestcal_show":      {PerMinute: 60, Burst: 10},
	}
}

// Tools holds one bucket per tool name.
type Tools struct {
	buckets map[string]*Bucket
}

// NewTools builds buckets for limits.
func NewTools(limits map[string]Limit) *Tools {
	t := &Tools{buckets: make(map[string]*Bucket, len(limits))}
	for name, l := range limits {
		t.buckets[name] = NewBucket(l)
	}
	return t
}

// Check takes a token for tool. Tools without a limit always pass.
func (t *Tools) Check(tool string) error {
	if t == nil {
		return nil
	}
	b, ok := t.buckets[tool]
	if !ok {
		return nil
	}
	if ok, wait := b.Take(); !ok {
		if wait > 0 {
			return fmt.Errorf("%w for %s, retry in %s", ErrLimited, tool, wait.Round(time.Second))
		}
		return fmt.Errorf("%w for %s", ErrLimited, tool)
	}
	return nil
}
