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

// Package discovery defines the service-discovery event model consumed by
// the load balancer. A discoverer produces an asynchronous sequence of
// event batches describing the lifecycle of backend addresses.
//
// Ready-made discoverers live in the subpackages: dnssd (polling DNS),
// consul (Consul blocking queries), and static (a fixed address set).
package discovery

import (
	"context"
	"fmt"
	"io"
)

// Status describes the lifecycle state of an address as reported by a
// service-discovery system.
type Status int

const (
	// StatusAvailable indicates the address can be used for new connections.
	StatusAvailable Status = iota + 1
	// StatusExpired indicates the address should not be used for new
	// connections, but existing connections may continue to be used.
	StatusExpired
	// StatusUnavailable indicates the address must not be used at all and
	// existing connections to it should be closed.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusExpired:
		return "expired"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Event is a single service-discovery event: an address paired with its
// new status.
type Event struct {
	Address string
	Status  Status
}

// Receiver is a client of a discoverer and receives event batches.
//
// Implementations of Discoverer must not call a receiver's methods
// concurrently with each other, and must not call them at all after the
// subscription's Close method has returned.
type Receiver interface {
	// OnEvents is called with each batch of events. A batch is never
	// empty. Each event is a delta: addresses absent from a batch are
	// unchanged.
	OnEvents(events []Event)
	// OnEnd is called at most once, when the event sequence terminates.
	// A nil error means the discoverer completed normally; a non-nil
	// error means it failed. No further OnEvents calls follow.
	OnEnd(err error)
}

// Discoverer produces event batches for a target service.
//
// Discover starts a subscription that delivers batches to the given
// receiver until the returned value is closed or the context is
// cancelled. Closing the returned value stops delivery and releases any
// resources held by the subscription; it does not return until delivery
// has stopped. A discoverer may be subscribed any number of times,
// including again after a previous subscription was closed.
type Discoverer interface {
	Discover(ctx context.Context, target string, receiver Receiver) io.Closer
}
