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
	"fmt"
	"sync"
)

// Readiness indicates whether the load balancer knows of at least one
// host. It transitions to Ready on the first transition of the host list
// to non-empty, and to NotReady whenever the list becomes empty.
type Readiness int

const (
	NotReady Readiness = iota
	Ready
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case NotReady:
		return "not-ready"
	default:
		return fmt.Sprintf("Readiness(%d)", int(r))
	}
}

// Subscription is a live subscription to the load balancer's readiness
// events. Receive from C; each subscriber independently observes every
// readiness transition, conflated to the most recent value if the
// subscriber falls behind. A new subscriber immediately receives the most
// recent readiness value, if there is one.
//
// C is closed when the stream terminates: after the load balancer closes,
// or after the service-discovery stream fails with health checking
// disabled. Err reports the terminal error, if any, once C is closed.
type Subscription struct {
	// C delivers readiness values. It has a buffer of one; the stream
	// overwrites an undelivered value rather than blocking.
	C <-chan Readiness

	stream *readinessStream
	ch     chan Readiness
}

// Err returns the error the stream terminated with, or nil. It is
// meaningful only after C has been closed.
func (s *Subscription) Err() error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.stream.err
}

// Cancel detaches the subscription. C is closed. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if _, ok := s.stream.subs[s]; !ok {
		return
	}
	delete(s.stream.subs, s)
	close(s.ch)
}

// readinessStream is a broadcast of readiness transitions that replays
// the latest value to new subscribers. Publishing never blocks: each
// subscriber channel holds at most one pending value and a newer value
// displaces an unconsumed older one.
type readinessStream struct {
	mu sync.Mutex
	// +checklocks:mu
	last Readiness
	// +checklocks:mu
	hasLast bool
	// +checklocks:mu
	done bool
	// +checklocks:mu
	err error
	// +checklocks:mu
	subs map[*Subscription]struct{}
}

func newReadinessStream() *readinessStream {
	return &readinessStream{subs: map[*Subscription]struct{}{}}
}

func (r *readinessStream) subscribe() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Readiness, 1)
	sub := &Subscription{C: ch, stream: r, ch: ch}
	if r.hasLast {
		ch <- r.last
	}
	if r.done {
		// late subscriber still gets the last value, then sees the
		// channel closed
		close(ch)
		return sub
	}
	r.subs[sub] = struct{}{}
	return sub
}

func (r *readinessStream) publish(v Readiness) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.last = v
	r.hasLast = true
	for sub := range r.subs {
		// displace an unconsumed value so the subscriber always sees the
		// most recent state next
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- v:
		default:
		}
	}
}

// end terminates the stream. A nil error is a normal completion. It is
// idempotent; only the first call's error is retained.
func (r *readinessStream) end(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.err = err
	for sub := range r.subs {
		delete(r.subs, sub)
		close(sub.ch)
	}
}
