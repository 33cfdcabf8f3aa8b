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

package hostlb

import (
	"time"

	"github.com/chao-deepbits/hostlb/internal"
	"github.com/go-kit/log"
)

const defaultLinearSearchSpace = 16

// HealthCheckConfig bundles the immutable parameters of the health-check
// mechanism, which monitors hosts that are unable to have a connection
// established.
type HealthCheckConfig struct {
	// FailureThreshold is the number of consecutive connect failures after
	// which an active host is quarantined as unhealthy. Must be at least 1.
	FailureThreshold int
	// Interval is the base delay between background re-probe attempts of
	// an unhealthy host.
	Interval time.Duration
	// Jitter is the maximum amount by which each probe delay deviates,
	// uniformly, from Interval. Must not exceed Interval.
	Jitter time.Duration
	// ResubscribeLowerBound and ResubscribeUpperBound bound the randomized
	// interval between service-discovery resubscribe attempts, which fire
	// when every known host is unhealthy.
	ResubscribeLowerBound time.Duration
	ResubscribeUpperBound time.Duration
}

// DefaultHealthCheckConfig returns the health-check parameters used when
// none are configured explicitly: 5 consecutive failures, probes every
// 5s ± 3s, resubscribe attempts no more often than every 7–13s.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		FailureThreshold:      5,
		Interval:              5 * time.Second,
		Jitter:                3 * time.Second,
		ResubscribeLowerBound: 7 * time.Second,
		ResubscribeUpperBound: 13 * time.Second,
	}
}

func (c HealthCheckConfig) normalize() HealthCheckConfig {
	defaults := DefaultHealthCheckConfig()
	if c.FailureThreshold < 1 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Jitter < 0 || c.Jitter > c.Interval {
		c.Jitter = c.Interval / 2
	}
	if c.ResubscribeLowerBound < 0 {
		c.ResubscribeLowerBound = defaults.ResubscribeLowerBound
	}
	if c.ResubscribeUpperBound < c.ResubscribeLowerBound {
		c.ResubscribeUpperBound = c.ResubscribeLowerBound
	}
	return c
}

// Option configures a LoadBalancer. See New.
type Option interface {
	apply(*lbOptions)
}

type lbOptions struct {
	logger            log.Logger
	healthCheck       *HealthCheckConfig
	healthCheckSet    bool
	linearSearchSpace int
	clock             internal.Clock
}

func (o *lbOptions) applyDefaults() {
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	if !o.healthCheckSet {
		config := DefaultHealthCheckConfig()
		o.healthCheck = &config
	}
	if o.linearSearchSpace <= 0 {
		o.linearSearchSpace = defaultLinearSearchSpace
	}
	if o.clock == nil {
		o.clock = internal.NewRealClock()
	}
}

// WithLogger configures the load balancer to emit diagnostics through the
// given logger. The default discards all output.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(o *lbOptions) {
		o.logger = logger
	})
}

// WithHealthChecks configures the parameters of the health-check
// mechanism. Without this option, DefaultHealthCheckConfig is used.
// A FailureThreshold below 1, a non-positive Interval and a negative
// ResubscribeLowerBound are replaced with their defaults; a Jitter outside
// [0, Interval] becomes Interval/2; a ResubscribeUpperBound below the
// lower bound is raised to it. Zero Jitter and zero resubscribe bounds
// are kept as given.
func WithHealthChecks(config HealthCheckConfig) Option {
	return optionFunc(func(o *lbOptions) {
		config = config.normalize()
		o.healthCheck = &config
		o.healthCheckSet = true
	})
}

// WithoutHealthChecks disables health checking entirely: no host is ever
// marked unhealthy, probes are never scheduled, and service discovery is
// never resubscribed.
func WithoutHealthChecks() Option {
	return optionFunc(func(o *lbOptions) {
		o.healthCheck = nil
		o.healthCheckSet = true
	})
}

// WithLinearSearchSpace bounds how many pooled connections are scanned
// per host when looking for one to reuse. Beyond this bound a new
// connection is built even though older pooled ones may be idle, which
// keeps selection amortized O(1) for long-lived pools. The default is 16.
func WithLinearSearchSpace(n int) Option {
	return optionFunc(func(o *lbOptions) {
		o.linearSearchSpace = n
	})
}

type optionFunc func(*lbOptions)

func (f optionFunc) apply(o *lbOptions) {
	f(o)
}
