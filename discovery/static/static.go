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

// Package static provides a discoverer over a fixed set of addresses.
// Each subscription receives a single batch marking every address
// available, and then no further events; an empty address set delivers
// no batch at all. Useful for tests and for
// deployments where the backend set is known up front.
package static

import (
	"context"
	"io"

	"github.com/chao-deepbits/hostlb/discovery"
)

// Discoverer is a discovery.Discoverer over a fixed address set.
type Discoverer struct {
	addrs []string
}

var _ discovery.Discoverer = (*Discoverer)(nil)

// NewDiscoverer returns a discoverer for the given addresses. The target
// passed to Discover is ignored; the same set is reported for any target.
func NewDiscoverer(addrs ...string) *Discoverer {
	clone := make([]string, len(addrs))
	copy(clone, addrs)
	return &Discoverer{addrs: clone}
}

// Discover implements discovery.Discoverer. The single batch is delivered
// synchronously, before Discover returns.
func (d *Discoverer) Discover(_ context.Context, _ string, receiver discovery.Receiver) io.Closer {
	if len(d.addrs) > 0 {
		events := make([]discovery.Event, len(d.addrs))
		for i, addr := range d.addrs {
			events[i] = discovery.Event{Address: addr, Status: discovery.StatusAvailable}
		}
		receiver.OnEvents(events)
	}
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
