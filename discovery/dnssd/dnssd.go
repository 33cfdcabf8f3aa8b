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

// Package dnssd provides a discoverer backed by periodic DNS resolution.
// Successive result sets are diffed: newly resolved addresses are
// reported available, addresses that disappear are reported unavailable.
package dnssd

import (
	"context"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/chao-deepbits/hostlb/discovery"
	"github.com/chao-deepbits/hostlb/internal"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Prober is a type that provides single-shot resolution of a target into
// addresses. The second return value is the TTL of the result, or 0 if
// there is no known TTL.
type Prober interface {
	ResolveOnce(ctx context.Context, target string) (addrs []string, ttl time.Duration, err error)
}

// NewDiscoverer creates a discoverer that resolves DNS names. The target
// passed to Discover must be a "host" or "host:port" string; resolved IP
// addresses keep the target's port. The network must be one of "ip",
// "ip4" or "ip6". Note that because net.Resolver does not expose record
// TTL values, results are re-resolved on the fixed ttl given here.
func NewDiscoverer(resolver *net.Resolver, network string, ttl time.Duration, logger log.Logger) *Discoverer {
	return NewPollingDiscoverer(&dnsProber{resolver: resolver, network: network}, ttl, logger)
}

// NewPollingDiscoverer creates a discoverer that polls the given prober
// whenever the result-set TTL expires. If the prober does not return a
// TTL with the result set, defaultTTL is used.
func NewPollingDiscoverer(prober Prober, defaultTTL time.Duration, logger log.Logger) *Discoverer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Discoverer{
		prober:     prober,
		defaultTTL: defaultTTL,
		logger:     logger,
		clock:      internal.NewRealClock(),
	}
}

// Discoverer is a discovery.Discoverer that periodically re-resolves its
// target and reports the difference.
type Discoverer struct {
	prober     Prober
	defaultTTL time.Duration
	logger     log.Logger
	clock      internal.Clock
}

var _ discovery.Discoverer = (*Discoverer)(nil)

// Discover implements discovery.Discoverer.
func (d *Discoverer) Discover(ctx context.Context, target string, receiver discovery.Receiver) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		discoverer: d,
	}
	go task.run(ctx, target, receiver)
	return task
}

type pollingTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	discoverer *Discoverer
}

func (task *pollingTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingTask) run(ctx context.Context, target string, receiver discovery.Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	d := task.discoverer
	// The first resolution runs immediately; the timer is armed with the
	// result's TTL afterwards. Stop leaves no pending value in the channel.
	timer := d.clock.NewTimer(0)
	timer.Stop()

	known := map[string]struct{}{}
	for {
		addrs, ttl, err := d.prober.ResolveOnce(ctx, target)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// Transient failure: keep the last known addresses and keep
			// polling. The event model has no notion of a partial error.
			_ = level.Warn(d.logger).Log("msg", "resolution failed", "target", target, "err", err)
		} else {
			if batch := diff(known, addrs); len(batch) > 0 {
				receiver.OnEvents(batch)
			}
		}

		if ttl == 0 {
			ttl = d.defaultTTL
		}
		timer.Reset(ttl)

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.Chan()
			}
			return
		case <-timer.Chan():
		}
	}
}

// diff updates known in place to match addrs and returns the events that
// describe the change.
func diff(known map[string]struct{}, addrs []string) []discovery.Event {
	var events []discovery.Event
	next := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		next[addr] = struct{}{}
		if _, ok := known[addr]; !ok {
			events = append(events, discovery.Event{Address: addr, Status: discovery.StatusAvailable})
		}
	}
	for addr := range known {
		if _, ok := next[addr]; !ok {
			events = append(events, discovery.Event{Address: addr, Status: discovery.StatusUnavailable})
		}
	}
	clear(known)
	for addr := range next {
		known[addr] = struct{}{}
	}
	return events
}

type dnsProber struct {
	resolver *net.Resolver
	network  string
}

func (p *dnsProber) ResolveOnce(ctx context.Context, target string) ([]string, time.Duration, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		// Assume this is a bare hostname with no port.
		host = target
		port = ""
	}
	addresses, err := p.resolver.LookupNetIP(ctx, p.network, host)
	if err != nil {
		return nil, 0, err
	}
	result := make([]string, len(addresses))
	for i, address := range addresses {
		result[i] = joinHostPort(address, port)
	}
	return result, 0, nil
}

func joinHostPort(address netip.Addr, port string) string {
	if port == "" {
		return address.Unmap().String()
	}
	return net.JoinHostPort(address.Unmap().String(), port)
}
