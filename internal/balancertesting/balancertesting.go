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

// Package balancertesting provides fake collaborators (connections,
// a connection factory, and a discoverer) for testing the load balancer.
package balancertesting

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/chao-deepbits/hostlb/conn"
	"github.com/chao-deepbits/hostlb/discovery"
)

var (
	_ conn.Conn            = (*FakeConn)(nil)
	_ conn.Factory         = (*FakeFactory)(nil)
	_ discovery.Discoverer = (*FakeDiscoverer)(nil)
)

// FakeConn is an implementation of conn.Conn for tests. Connections are
// created by a FakeFactory and are numbered sequentially: the first
// connection built has Index 1, the second Index 2, and so on.
type FakeConn struct {
	// Index identifies the connection in creation order.
	Index int
	// Tag is an arbitrary label tests can match against in filters.
	Tag string

	addr string
	done chan struct{}

	// +checkatomic
	reserved atomic.Bool
	// +checkatomic
	closed atomic.Bool
}

// NewFakeConn creates a standalone fake connection, for tests that don't
// need a factory.
func NewFakeConn(index int, addr string) *FakeConn {
	return &FakeConn{Index: index, addr: addr, done: make(chan struct{})}
}

// Address implements conn.Conn.
func (c *FakeConn) Address() string {
	return c.addr
}

// TryReserve implements conn.Conn. It fails on closed or already-reserved
// connections.
func (c *FakeConn) TryReserve() bool {
	if c.closed.Load() {
		return false
	}
	return c.reserved.CompareAndSwap(false, true)
}

// Release implements conn.Conn.
func (c *FakeConn) Release() {
	c.reserved.Store(false)
}

// Done implements conn.Conn.
func (c *FakeConn) Done() <-chan struct{} {
	return c.done
}

// Shutdown implements conn.Conn. Fake connections have nothing to drain,
// so it is identical to Close.
func (c *FakeConn) Shutdown(_ context.Context) error {
	return c.Close()
}

// Close implements conn.Conn.
func (c *FakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (c *FakeConn) IsClosed() bool {
	return c.closed.Load()
}

// FakeFactory is an implementation of conn.Factory for tests. By default
// every dial succeeds; individual addresses can be made to fail.
type FakeFactory struct {
	mu sync.Mutex
	// +checklocks:mu
	index int
	// +checklocks:mu
	errs map[string]error
	// +checklocks:mu
	dials map[string]int
	// +checklocks:mu
	conns []*FakeConn
	// +checklocks:mu
	closed bool
}

// NewFakeFactory constructs a new FakeFactory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		errs:  map[string]error{},
		dials: map[string]int{},
	}
}

// SetError makes subsequent dials of the given address fail with err.
// A nil err restores success.
func (f *FakeFactory) SetError(addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, addr)
		return
	}
	f.errs[addr] = err
}

// DialCount returns how many times the given address has been dialed.
func (f *FakeFactory) DialCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[addr]
}

// Conns returns every connection the factory has created, in creation
// order, including closed ones.
func (f *FakeFactory) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := make([]*FakeConn, len(f.conns))
	copy(conns, f.conns)
	return conns
}

// IsClosed reports whether Close has been called.
func (f *FakeFactory) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// New implements conn.Factory.
func (f *FakeFactory) New(ctx context.Context, addr string) (conn.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[addr]++
	if err := f.errs[addr]; err != nil {
		return nil, err
	}
	if f.closed {
		return nil, fmt.Errorf("factory is closed")
	}
	f.index++
	newConn := NewFakeConn(f.index, addr)
	f.conns = append(f.conns, newConn)
	return newConn, nil
}

// Close implements conn.Factory.
func (f *FakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeDiscoverer is an implementation of discovery.Discoverer for tests.
// Tests drive it manually with Emit and End; deliveries go to the most
// recent (still open) subscription.
type FakeDiscoverer struct {
	mu sync.Mutex
	// +checklocks:mu
	current *fakeSubscription
	// +checklocks:mu
	subscribes int
	// +checklocks:mu
	cancels int
}

// NewFakeDiscoverer constructs a new FakeDiscoverer.
func NewFakeDiscoverer() *FakeDiscoverer {
	return &FakeDiscoverer{}
}

// Discover implements discovery.Discoverer.
func (d *FakeDiscoverer) Discover(_ context.Context, _ string, receiver discovery.Receiver) io.Closer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribes++
	sub := &fakeSubscription{d: d, receiver: receiver}
	d.current = sub
	return sub
}

// Emit delivers one batch of events to the current subscription. The
// delivery is synchronous: when Emit returns, the receiver has processed
// the batch.
func (d *FakeDiscoverer) Emit(events ...discovery.Event) {
	d.mu.Lock()
	sub := d.current
	d.mu.Unlock()
	if sub == nil || sub.isClosed() {
		return
	}
	sub.receiver.OnEvents(events)
}

// End terminates the current subscription's event sequence with err (nil
// for normal completion).
func (d *FakeDiscoverer) End(err error) {
	d.mu.Lock()
	sub := d.current
	d.mu.Unlock()
	if sub == nil || sub.isClosed() {
		return
	}
	sub.receiver.OnEnd(err)
}

// Subscribes returns how many times Discover has been called.
func (d *FakeDiscoverer) Subscribes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribes
}

// Cancels returns how many subscriptions have been closed.
func (d *FakeDiscoverer) Cancels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

type fakeSubscription struct {
	d        *FakeDiscoverer
	receiver discovery.Receiver

	// +checkatomic
	closed atomic.Bool
}

func (s *fakeSubscription) isClosed() bool {
	return s.closed.Load()
}

func (s *fakeSubscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.d.mu.Lock()
		s.d.cancels++
		s.d.mu.Unlock()
	}
	return nil
}

// Available is shorthand for an available-status event.
func Available(addr string) discovery.Event {
	return discovery.Event{Address: addr, Status: discovery.StatusAvailable}
}

// Expired is shorthand for an expired-status event.
func Expired(addr string) discovery.Event {
	return discovery.Event{Address: addr, Status: discovery.StatusExpired}
}

// Unavailable is shorthand for an unavailable-status event.
func Unavailable(addr string) discovery.Event {
	return discovery.Event{Address: addr, Status: discovery.StatusUnavailable}
}
