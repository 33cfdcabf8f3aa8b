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
	"fmt"
	"sync"

	"github.com/chao-deepbits/hostlb/conn"
	"github.com/chao-deepbits/hostlb/internal"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

type hostState int

const (
	hostActive hostState = iota
	hostExpired
	hostUnhealthy
	hostClosed
)

func (s hostState) String() string {
	switch s {
	case hostActive:
		return "active"
	case hostExpired:
		return "expired"
	case hostUnhealthy:
		return "unhealthy"
	case hostClosed:
		return "closed"
	default:
		return fmt.Sprintf("hostState(%d)", int(s))
	}
}

// host owns one backend address: its pool of live connections, its health
// state, and the scheduling of background re-probes while unhealthy.
//
// State transitions are one-way into hostClosed; nothing transitions out.
// All state is guarded by mu. Connection builds and probe connects happen
// outside the lock (they suspend); the resulting state change is recorded
// under the lock, so a transition observed by one build is visible to the
// next.
type host struct {
	address           string
	factory           conn.Factory
	healthCheck       *HealthCheckConfig // nil disables health checking
	linearSearchSpace int
	clock             internal.Clock
	logger            log.Logger
	// onClosed is invoked exactly once, after the transition into
	// hostClosed. The load balancer uses it to drop this host from the
	// list via its single-writer executor; holding only this callback
	// avoids an owning cycle between the host and the list.
	onClosed func(*host)

	// ctx governs probe connects; cancelled when the host closes.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	state hostState
	// +checklocks:mu
	conns []conn.Conn
	// +checklocks:mu
	failures int
	// +checklocks:mu
	probe internal.Timer
	// probeGen invalidates probe firings that were scheduled before the
	// most recent probe cancellation.
	// +checklocks:mu
	probeGen uint64
}

func newHost(
	address string,
	factory conn.Factory,
	healthCheck *HealthCheckConfig,
	linearSearchSpace int,
	clock internal.Clock,
	logger log.Logger,
	onClosed func(*host),
) *host {
	ctx, cancel := context.WithCancel(context.Background())
	return &host{
		address:           address,
		factory:           factory,
		healthCheck:       healthCheck,
		linearSearchSpace: linearSearchSpace,
		clock:             clock,
		logger:            log.With(logger, "host", address),
		onClosed:          onClosed,
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (h *host) currentState() hostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *host) isUnhealthy() bool {
	return h.currentState() == hostUnhealthy
}

// selectOrBuild returns a connection for a request. Unless forceNew is
// set, it first scans the head of the pool for a reusable connection that
// can be reserved and passes the filter. Failing that, or when forceNew
// is set, it builds a new connection, which requires the host to be
// active: expired hosts are eligible for reuse only.
func (h *host) selectOrBuild(ctx context.Context, filter Filter, forceNew bool) (conn.Conn, error) {
	h.mu.Lock()
	state := h.state
	var scan []conn.Conn
	if !forceNew && (state == hostActive || state == hostExpired) {
		limit := h.linearSearchSpace
		if limit > len(h.conns) {
			limit = len(h.conns)
		}
		scan = make([]conn.Conn, limit)
		copy(scan, h.conns[:limit])
	}
	h.mu.Unlock()

	if state != hostActive && state != hostExpired {
		return nil, errHostNotActive
	}
	// The scan happens against a snapshot so the user-supplied filter
	// never runs under the host lock. TryReserve is the arbiter: it fails
	// on connections that closed or were reserved since the snapshot.
	for _, candidate := range scan {
		if !candidate.TryReserve() {
			continue
		}
		if filter == nil || filter(candidate) {
			return candidate, nil
		}
		candidate.Release()
	}
	if state != hostActive {
		return nil, errHostNotActive
	}
	return h.build(ctx)
}

// build creates a new connection via the factory and adds it to the pool,
// already reserved for the calling request.
func (h *host) build(ctx context.Context) (conn.Conn, error) {
	newConn, err := h.factory.New(ctx, h.address)
	if err != nil {
		h.recordBuildFailure(err)
		return nil, fmt.Errorf("connecting to %s: %w", h.address, err)
	}
	if !newConn.TryReserve() {
		_ = newConn.Close()
		return nil, fmt.Errorf("connecting to %s: factory returned an unusable connection", h.address)
	}
	if !h.adopt(newConn) {
		newConn.Release()
		_ = newConn.Close()
		return nil, errHostNotActive
	}
	return newConn, nil
}

// adopt records a successfully built connection. It returns false if the
// host closed while the connection was being established, in which case
// the caller must close the connection. A success while unhealthy revives
// the host, the same as a successful probe.
func (h *host) adopt(newConn conn.Conn) bool {
	h.mu.Lock()
	if h.state == hostClosed {
		h.mu.Unlock()
		return false
	}
	revived := h.state == hostUnhealthy
	if revived {
		h.state = hostActive
		h.cancelProbeLocked()
	}
	h.failures = 0
	h.conns = append(h.conns, newConn)
	h.mu.Unlock()
	go h.watch(newConn)
	if revived {
		_ = level.Info(h.logger).Log("msg", "host revived by successful connect")
	}
	return true
}

func (h *host) recordBuildFailure(err error) {
	h.mu.Lock()
	h.failures++
	quarantine := h.healthCheck != nil &&
		h.state == hostActive &&
		h.failures >= h.healthCheck.FailureThreshold
	if quarantine {
		h.state = hostUnhealthy
		h.scheduleProbeLocked()
	}
	failures := h.failures
	h.mu.Unlock()
	if quarantine {
		_ = level.Warn(h.logger).Log(
			"msg", "host quarantined after consecutive connect failures",
			"failures", failures,
			"err", err,
		)
	}
}

// +checklocks:h.mu
func (h *host) scheduleProbeLocked() {
	h.probeGen++
	gen := h.probeGen
	rnd := internal.NewRand()
	delay := internal.JitterDuration(rnd, h.healthCheck.Interval, h.healthCheck.Jitter)
	h.probe = h.clock.AfterFunc(delay, func() {
		h.runProbe(gen)
	})
}

// +checklocks:h.mu
func (h *host) cancelProbeLocked() {
	h.probeGen++
	if h.probe != nil {
		h.probe.Stop()
		h.probe = nil
	}
}

// runProbe performs one background connect attempt. At most one probe is
// in flight per host: firings are serialized by the timer and stale
// firings are discarded via probeGen.
func (h *host) runProbe(gen uint64) {
	h.mu.Lock()
	if h.state != hostUnhealthy || gen != h.probeGen {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	probeConn, err := h.factory.New(h.ctx, h.address)

	h.mu.Lock()
	if h.state != hostUnhealthy || gen != h.probeGen {
		h.mu.Unlock()
		if err == nil {
			_ = probeConn.Close()
		}
		return
	}
	if err != nil {
		h.failures++
		h.scheduleProbeLocked()
		h.mu.Unlock()
		_ = level.Debug(h.logger).Log("msg", "probe failed; rescheduling", "err", err)
		return
	}
	h.state = hostActive
	h.failures = 0
	h.probe = nil
	h.probeGen++
	h.conns = append(h.conns, probeConn)
	h.mu.Unlock()
	go h.watch(probeConn)
	_ = level.Info(h.logger).Log("msg", "host revived by probe")
}

// watch prunes the connection from the pool once it closes. An expired
// host whose pool empties this way self-closes, which in turn removes it
// from the balancer's host list.
func (h *host) watch(watched conn.Conn) {
	<-watched.Done()
	h.mu.Lock()
	for i, existing := range h.conns {
		if existing == watched {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			break
		}
	}
	selfClose := h.state == hostExpired && len(h.conns) == 0
	if selfClose {
		h.state = hostClosed
		h.cancelProbeLocked()
	}
	h.mu.Unlock()
	if selfClose {
		h.finishClose()
	}
}

// markActiveIfNotClosed transitions an expired or unhealthy host back to
// active, cancelling any pending probe. It returns false iff the host is
// closed.
func (h *host) markActiveIfNotClosed() bool {
	h.mu.Lock()
	switch h.state {
	case hostClosed:
		h.mu.Unlock()
		return false
	case hostExpired, hostUnhealthy:
		h.state = hostActive
		h.failures = 0
		h.cancelProbeLocked()
	case hostActive:
	}
	h.mu.Unlock()
	return true
}

// markExpired moves the host out of rotation for new connections. It
// returns true iff the host (self-)closed because no connections remain,
// in which case the caller must drop it from the host list. An unhealthy
// host that expires is closed outright: it is reuse-only by definition
// and probing it would be pointless.
func (h *host) markExpired() bool {
	h.mu.Lock()
	switch h.state {
	case hostClosed:
		h.mu.Unlock()
		return true
	case hostExpired:
		h.mu.Unlock()
		return false
	case hostUnhealthy:
		h.state = hostClosed
		h.cancelProbeLocked()
		conns := h.drainConnsLocked()
		h.mu.Unlock()
		h.closeConnsAsync(conns, true)
		h.finishClose()
		return true
	case hostActive:
	}
	if len(h.conns) == 0 {
		h.state = hostClosed
		h.cancelProbeLocked()
		h.mu.Unlock()
		h.finishClose()
		return true
	}
	h.state = hostExpired
	h.mu.Unlock()
	return false
}

// markClosed closes the host, scheduling a graceful close of every
// pooled connection. It is terminal and idempotent.
func (h *host) markClosed() {
	conns, wasOpen := h.beginClose()
	if !wasOpen {
		return
	}
	h.closeConnsAsync(conns, true)
	h.finishClose()
}

// closeNow closes the host and blocks until every pooled connection has
// been closed immediately. Used by the balancer's non-graceful shutdown.
func (h *host) closeNow() error {
	return h.closeWait(context.Background(), false)
}

// shutdown closes the host and blocks until every pooled connection has
// drained gracefully, or the context is cancelled.
func (h *host) shutdown(ctx context.Context) error {
	return h.closeWait(ctx, true)
}

func (h *host) closeWait(ctx context.Context, graceful bool) error {
	conns, wasOpen := h.beginClose()
	if !wasOpen {
		return nil
	}
	err := closeConns(ctx, conns, graceful)
	h.finishClose()
	return err
}

// beginClose performs the state transition into hostClosed and returns
// the connections that still need closing. wasOpen reports whether this
// call performed the transition; only that caller may run finishClose.
func (h *host) beginClose() (conns []conn.Conn, wasOpen bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == hostClosed {
		return nil, false
	}
	h.state = hostClosed
	h.cancelProbeLocked()
	return h.drainConnsLocked(), true
}

// +checklocks:h.mu
func (h *host) drainConnsLocked() []conn.Conn {
	conns := make([]conn.Conn, len(h.conns))
	copy(conns, h.conns)
	return conns
}

func (h *host) closeConnsAsync(conns []conn.Conn, graceful bool) {
	if len(conns) == 0 {
		return
	}
	go func() {
		_ = closeConns(context.Background(), conns, graceful)
	}()
}

func closeConns(ctx context.Context, conns []conn.Conn, graceful bool) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, pooled := range conns {
		pooled := pooled
		grp.Go(func() error {
			if graceful {
				return pooled.Shutdown(grpCtx)
			}
			return pooled.Close()
		})
	}
	return grp.Wait()
}

// finishClose runs the one-shot tail of the transition into hostClosed.
func (h *host) finishClose() {
	h.cancel()
	if h.onClosed != nil {
		h.onClosed(h)
	}
}

// connCount is used for diagnostics and tests.
func (h *host) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
