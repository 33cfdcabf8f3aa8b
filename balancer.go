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
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/chao-deepbits/hostlb/conn"
	"github.com/chao-deepbits/hostlb/discovery"
	"github.com/chao-deepbits/hostlb/internal"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// resubscribing is the sentinel stored in nextResubscribe while some
// goroutine owns the exclusive right to (re)establish the discovery
// subscription.
const resubscribing = int64(-1)

// LoadBalancer maintains a live set of backend hosts from a stream of
// service-discovery events and, on each request, selects one connection
// to satisfy the caller. See New.
//
// Host-list mutations are serialized through a single-writer executor;
// requests read lock-free snapshots published through an atomic pointer,
// so a request selecting against one snapshot never observes a
// half-applied discovery batch.
type LoadBalancer struct {
	target            string
	discoverer        discovery.Discoverer
	factory           conn.Factory
	selector          roundRobinSelector
	healthCheck       *HealthCheckConfig // nil disables health checking
	linearSearchSpace int
	logger            log.Logger
	clock             internal.Clock
	exec              *internal.SequentialExecutor
	events            *readinessStream

	hosts atomic.Pointer[[]*host]
	// +checkatomic
	closed atomic.Bool
	// nextResubscribe holds the earliest wall-clock instant (unix nanos)
	// at which an all-unhealthy condition may trigger a resubscribe, or
	// the resubscribing sentinel.
	// +checkatomic
	nextResubscribe atomic.Int64

	subMu sync.Mutex
	// +checklocks:subMu
	subCloser io.Closer
	// subGen identifies the live subscription. Incremented under subMu;
	// read lock-free so a discoverer delivering synchronously from inside
	// Discover (while subMu is held) cannot deadlock.
	// +checkatomic
	subGen atomic.Uint64

	closeOnce sync.Once
	closeDone chan struct{}
	closeErr  error
}

// New creates a load balancer for the given target. The discoverer is
// subscribed immediately; the factory is invoked to build connections on
// demand and is closed as part of the balancer's own close.
func New(target string, discoverer discovery.Discoverer, factory conn.Factory, opts ...Option) *LoadBalancer {
	var options lbOptions
	for _, opt := range opts {
		opt.apply(&options)
	}
	options.applyDefaults()

	lb := &LoadBalancer{
		target:            target,
		discoverer:        discoverer,
		factory:           factory,
		healthCheck:       options.healthCheck,
		linearSearchSpace: options.linearSearchSpace,
		logger:            log.With(options.logger, "target", target),
		clock:             options.clock,
		events:            newReadinessStream(),
		closeDone:         make(chan struct{}),
	}
	lb.exec = internal.NewSequentialExecutor(func(recovered any) {
		_ = level.Error(lb.logger).Log("msg", "uncaught panic in host-list writer", "panic", recovered)
	})
	empty := make([]*host, 0)
	lb.hosts.Store(&empty)
	// New owns the initial subscribe the same way a resubscribe winner
	// owns a resubscribe.
	lb.nextResubscribe.Store(resubscribing)
	lb.subscribeToEvents(false)
	return lb
}

// SelectConnection returns a connection for a request, reusing a pooled
// connection that passes the filter when possible and building a new one
// otherwise. Hosts are tried in round-robin order; unhealthy hosts are
// skipped.
func (lb *LoadBalancer) SelectConnection(ctx context.Context, filter Filter) (conn.Conn, error) {
	return lb.selectConnection(ctx, filter, false)
}

// NewConnection returns a connection that is guaranteed to be freshly
// built, never one reused from a pool. If the chosen host's build fails,
// the failure is returned rather than retried on another host.
func (lb *LoadBalancer) NewConnection(ctx context.Context) (conn.Conn, error) {
	return lb.selectConnection(ctx, nil, true)
}

func (lb *LoadBalancer) selectConnection(ctx context.Context, filter Filter, forceNew bool) (conn.Conn, error) {
	if lb.closed.Load() {
		return nil, ErrClosed
	}
	currentHosts := *lb.hosts.Load()
	// Racing with host-list updates is intrinsic here, so an
	// any-hosts-at-all check against this snapshot is fine.
	if len(currentHosts) == 0 {
		return nil, ErrNoHostsAvailable
	}
	picked, err := lb.selector.selectConn(ctx, currentHosts, filter, forceNew)
	if err != nil && lb.healthCheck != nil &&
		errors.Is(err, ErrNoActiveHost) && allUnhealthy(currentHosts) {
		lb.maybeResubscribe()
	}
	return picked, err
}

// Events returns a subscription to the balancer's readiness stream. The
// most recent readiness value, if any, is replayed to the new subscriber.
func (lb *LoadBalancer) Events() *Subscription {
	return lb.events.subscribe()
}

// HostInfo is a diagnostic snapshot of one host.
type HostInfo struct {
	Address     string
	State       string
	Connections int
}

// Hosts returns a diagnostic snapshot of the current host list, in
// selection order.
func (lb *LoadBalancer) Hosts() []HostInfo {
	currentHosts := *lb.hosts.Load()
	infos := make([]HostInfo, len(currentHosts))
	for i, h := range currentHosts {
		infos[i] = HostInfo{
			Address:     h.address,
			State:       h.currentState().String(),
			Connections: h.connCount(),
		}
	}
	return infos
}

// Close closes the load balancer immediately: the discovery subscription
// is cancelled, every host and its connections are closed, and finally
// the connection factory is closed. Close is idempotent; a second call
// returns the first call's result once it completes.
func (lb *LoadBalancer) Close() error {
	return lb.doClose(context.Background(), false)
}

// Shutdown is like Close but drains connections gracefully. The context
// bounds how long the drain may take.
func (lb *LoadBalancer) Shutdown(ctx context.Context) error {
	return lb.doClose(ctx, true)
}

func (lb *LoadBalancer) doClose(ctx context.Context, graceful bool) error {
	lb.closeOnce.Do(func() {
		var hostsToClose []*host
		lb.runSequential(func() {
			lb.closed.Store(true)
			lb.subMu.Lock()
			if lb.subCloser != nil {
				_ = lb.subCloser.Close()
				lb.subCloser = nil
			}
			lb.subGen.Add(1)
			lb.subMu.Unlock()
			lb.events.end(nil)
			hostsToClose = *lb.hosts.Load()
		})
		_ = level.Debug(lb.logger).Log(
			"msg", "closing",
			"graceful", graceful,
			"hosts", len(hostsToClose),
		)
		grp, grpCtx := errgroup.WithContext(ctx)
		for _, h := range hostsToClose {
			h := h
			grp.Go(func() error {
				if graceful {
					return h.shutdown(grpCtx)
				}
				return h.closeNow()
			})
		}
		grp.Go(lb.factory.Close)
		err := grp.Wait()
		if err == nil || !graceful {
			lb.runSequential(func() {
				empty := make([]*host, 0)
				lb.hosts.Store(&empty)
			})
		}
		lb.closeErr = err
		close(lb.closeDone)
	})
	<-lb.closeDone
	return lb.closeErr
}

// runSequential submits the task to the single-writer executor and waits
// for it to run.
func (lb *LoadBalancer) runSequential(task func()) {
	done := make(chan struct{})
	lb.exec.Execute(func() {
		defer close(done)
		task()
	})
	<-done
}

// subscribeToEvents (re)establishes the discovery subscription. It is
// invoked only while nextResubscribe holds the resubscribing sentinel, so
// a single goroutine owns it at a time. Cancelling the previous
// subscription completes before the new one is established.
func (lb *LoadBalancer) subscribeToEvents(resubscribe bool) {
	lb.subMu.Lock()
	defer lb.subMu.Unlock()
	if lb.closed.Load() {
		return
	}
	if resubscribe {
		_ = level.Debug(lb.logger).Log("msg", "resubscribing to the service discoverer")
		if lb.subCloser != nil {
			_ = lb.subCloser.Close()
		}
	}
	receiver := &eventReceiver{
		lb:                    lb,
		gen:                   lb.subGen.Add(1),
		firstAfterResubscribe: resubscribe,
	}
	lb.subCloser = lb.discoverer.Discover(context.Background(), lb.target, receiver)
	if lb.healthCheck != nil {
		lb.nextResubscribe.Store(lb.nextResubscribeTime())
	}
}

func (lb *LoadBalancer) nextResubscribeTime() int64 {
	rnd := internal.NewRand()
	delay := internal.UniformDuration(rnd, lb.healthCheck.ResubscribeLowerBound, lb.healthCheck.ResubscribeUpperBound)
	return lb.clock.Now().Add(delay).UnixNano()
}

// maybeResubscribe fires when a request found every host unhealthy. At
// most one resubscribe is in flight: the CAS winner abandons the current
// subscription and establishes a fresh one.
func (lb *LoadBalancer) maybeResubscribe() {
	next := lb.nextResubscribe.Load()
	if next < 0 || lb.clock.Now().UnixNano() < next {
		return
	}
	if lb.nextResubscribe.CompareAndSwap(next, resubscribing) {
		lb.subscribeToEvents(true)
	}
}

func allUnhealthy(hosts []*host) bool {
	if len(hosts) == 0 {
		return false
	}
	for _, h := range hosts {
		if !h.isUnhealthy() {
			return false
		}
	}
	return true
}

func (lb *LoadBalancer) newHost(address string) *host {
	return newHost(
		address,
		lb.factory,
		lb.healthCheck,
		lb.linearSearchSpace,
		lb.clock,
		lb.logger,
		lb.hostClosed,
	)
}

// hostClosed drops a closed host from the list. The rewrite happens on
// the single-writer executor; the host holds this callback rather than a
// reference into the list, so there is no owning cycle.
func (lb *LoadBalancer) hostClosed(closed *host) {
	lb.exec.Execute(func() {
		currentHosts := *lb.hosts.Load()
		if len(currentHosts) == 0 {
			// can happen when an expired host drains while the balancer
			// itself is closing
			return
		}
		nextHosts := make([]*host, 0, len(currentHosts))
		for _, h := range currentHosts {
			if h != closed {
				nextHosts = append(nextHosts, h)
			}
		}
		if len(nextHosts) == len(currentHosts) {
			return
		}
		lb.hosts.Store(&nextHosts)
		if len(nextHosts) == 0 {
			lb.events.publish(NotReady)
		}
	})
}

// eventReceiver adapts one discovery subscription to the balancer. Each
// (re)subscribe gets a fresh receiver; deliveries from a superseded
// subscription are discarded by generation.
type eventReceiver struct {
	lb  *LoadBalancer
	gen uint64
	// firstAfterResubscribe is accessed only on the sequential executor.
	firstAfterResubscribe bool
}

func (r *eventReceiver) OnEvents(events []discovery.Event) {
	if len(events) == 0 {
		_ = level.Debug(r.lb.logger).Log("msg", "unexpectedly received an empty discovery batch")
		return
	}
	batch := make([]discovery.Event, len(events))
	copy(batch, events)
	r.lb.exec.Execute(func() {
		r.lb.sequentialOnEvents(r, batch)
	})
}

func (r *eventReceiver) OnEnd(err error) {
	r.lb.exec.Execute(func() {
		r.lb.sequentialOnEnd(r, err)
	})
}

func (r *eventReceiver) stale() bool {
	return r.gen != r.lb.subGen.Load()
}

// sequentialOnEvents applies one discovery batch. Always runs on the
// single-writer executor.
func (lb *LoadBalancer) sequentialOnEvents(r *eventReceiver, events []discovery.Event) {
	if lb.closed.Load() || r.stale() {
		return
	}
	oldHosts := *lb.hosts.Load()
	nextHosts, readyTransition := lb.reconcile(oldHosts, events)
	lb.hosts.Store(&nextHosts)
	_ = level.Debug(lb.logger).Log("msg", "host list updated", "hosts", len(nextHosts))

	if len(nextHosts) == 0 {
		lb.events.publish(NotReady)
	} else if readyTransition {
		lb.events.publish(Ready)
	}

	if r.firstAfterResubscribe {
		r.firstAfterResubscribe = false
		lb.reconcileAfterResubscribe(nextHosts, events)
	}
}

// sequentialOnEnd handles termination of the discovery event sequence.
// With health checking enabled the last host set is kept alive and the
// next all-unhealthy condition will resubscribe; otherwise there is no
// way forward and the readiness stream is terminated.
func (lb *LoadBalancer) sequentialOnEnd(r *eventReceiver, err error) {
	if lb.closed.Load() || r.stale() {
		return
	}
	currentHosts := *lb.hosts.Load()
	if err != nil {
		_ = level.Error(lb.logger).Log(
			"msg", "service discoverer emitted an error",
			"hosts", len(currentHosts),
			"err", err,
		)
	} else {
		_ = level.Error(lb.logger).Log(
			"msg", "service discoverer completed",
			"hosts", len(currentHosts),
		)
	}
	if lb.healthCheck == nil {
		lb.events.end(err)
	}
}
