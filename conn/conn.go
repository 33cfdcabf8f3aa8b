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

// Package conn defines the connection primitive used for load balancing
// by the [github.com/chao-deepbits/hostlb] package. A connection is a
// *logical* connection to a single backend address. It may be backed by
// zero or more physical connections (i.e. sockets).
package conn

import (
	"context"
	"io"
)

// Conn represents a connection to a backend address.
//
// Connections are pooled per host. A request that wants to reuse an idle
// connection must first reserve it with TryReserve; the reservation is
// one-shot and is relinquished with Release. The load balancer guarantees
// that a reserved connection is eventually released or closed.
type Conn interface {
	// Address is the backend address to which this value is connected.
	Address() string
	// TryReserve atomically reserves the connection for a single request.
	// It returns false if the connection is already reserved or closed.
	TryReserve() bool
	// Release relinquishes a reservation previously obtained with
	// TryReserve, making the connection available for reuse.
	Release()
	// Done returns a channel that is closed when the connection has fully
	// closed. This is the connection's liveness signal: once the channel
	// is closed the connection must not be handed out again.
	Done() <-chan struct{}
	// Shutdown closes the connection gracefully, letting in-flight
	// activity finish. It returns when the connection has fully closed or
	// the given context is cancelled.
	Shutdown(ctx context.Context) error
	// Close closes the connection immediately.
	Close() error
}

// Factory creates connections to backend addresses. Implementations are
// responsible for any connect timeout; the load balancer imposes none
// beyond the given context.
type Factory interface {
	// New establishes a new connection to the given address. The context
	// carries per-request values and cancellation: a cancelled request
	// cancels the connection build it initiated.
	New(ctx context.Context, address string) (Conn, error)

	// Close releases any resources held by the factory. The load balancer
	// closes the factory as the final step of its own shutdown.
	io.Closer
}
