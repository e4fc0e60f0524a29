// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

import (
	"sync"

	"github.com/juju/ratelimit"
)

// admission holds one token bucket per agent, parameterised by the
// policy's steady rate and burst capacity. Buckets are created lazily
// on first sight of an agent.
type admission struct {
	rate  float64
	burst int64

	mu      sync.Mutex
	buckets map[string]*ratelimit.Bucket
}

func newAdmission(rate float64, burst int64) *admission {
	return &admission{
		rate:    rate,
		burst:   burst,
		buckets: map[string]*ratelimit.Bucket{},
	}
}

// allow takes one token from the agent's bucket, reporting whether the
// request may proceed. Never blocks.
func (a *admission) allow(agent string) bool {
	a.mu.Lock()
	bucket, ok := a.buckets[agent]
	if !ok {
		bucket = ratelimit.NewBucketWithRate(a.rate, a.burst)
		a.buckets[agent] = bucket
	}
	a.mu.Unlock()

	return bucket.TakeAvailable(1) == 1
}
