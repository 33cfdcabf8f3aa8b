// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"hash/maphash"
	"math/rand"
	"time"
)

// NewRand returns a properly seeded *rand.Rand. The seed is computed using
// the "hash/maphash" package, which can be used concurrently and is
// lock-free. Effectively, we're using the runtime's internal per-thread
// RNG to seed a new rand.Rand.
//
// The returned value is not thread-safe. Callers that need randomness on
// hot paths (jitter computation, mostly) should create one per use site
// rather than sharing a single instance behind a mutex.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(randomSeed())) //nolint:gosec // don't need cryptographic RNG
}

// randomSeed generates a high-quality (random) seed that can be used to
// create new instances of *rand.Rand, while avoiding the global rand's
// synchronization overhead.
func randomSeed() int64 {
	var hash maphash.Hash
	return int64(hash.Sum64())
}

// JitterDuration returns base ± uniform(0, jitter). The result is never
// negative. A zero jitter returns base unchanged.
func JitterDuration(rnd *rand.Rand, base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	d := base + time.Duration(rnd.Int63n(int64(2*jitter)+1)) - jitter
	if d < 0 {
		return 0
	}
	return d
}

// UniformDuration returns a duration drawn uniformly from [lower, upper).
// If the bounds are equal, lower is returned.
func UniformDuration(rnd *rand.Rand, lower, upper time.Duration) time.Duration {
	if lower >= upper {
		return lower
	}
	return lower + time.Duration(rnd.Int63n(int64(upper-lower)))
}
