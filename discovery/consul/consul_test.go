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

package consul

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chao-deepbits/hostlb/discovery"
	"github.com/go-kit/log"
	consul "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"
)

// fakeClient serves scripted result sets. Each call returns the entry
// set for the current generation with an increasing index; once the
// script is exhausted, calls block until the context is cancelled, like
// a real blocking query with no changes.
type fakeClient struct {
	mu    sync.Mutex
	gens  [][]*consul.ServiceEntry
	calls int
}

func (c *fakeClient) Service(_, _ string, opts *consul.QueryOptions) ([]*consul.ServiceEntry, *consul.QueryMeta, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.mu.Unlock()
	if i >= len(c.gens) {
		<-opts.Context().Done()
		return nil, nil, opts.Context().Err()
	}
	return c.gens[i], &consul.QueryMeta{LastIndex: uint64(i + 1)}, nil
}

func entry(node, svcAddr string, port int, tags ...string) *consul.ServiceEntry {
	return &consul.ServiceEntry{
		Node: &consul.Node{Address: node},
		Service: &consul.AgentService{
			Address: svcAddr,
			Port:    port,
			Tags:    tags,
		},
	}
}

type captureReceiver struct {
	mu      sync.Mutex
	batches [][]discovery.Event
}

func (r *captureReceiver) OnEvents(events []discovery.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]discovery.Event, len(events))
	copy(batch, events)
	r.batches = append(r.batches, batch)
}

func (r *captureReceiver) OnEnd(error) {}

func (r *captureReceiver) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *captureReceiver) batch(i int) []discovery.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func TestDiscoverer_WatchEmitsDiffs(t *testing.T) {
	t.Parallel()
	client := &fakeClient{gens: [][]*consul.ServiceEntry{
		{entry("10.0.0.1", "", 8080), entry("10.0.0.2", "10.1.1.2", 8080)},
		{entry("10.0.0.2", "10.1.1.2", 8080), entry("10.0.0.3", "", 9090)},
	}}
	d := NewDiscoverer(client, log.NewNopLogger())

	var receiver captureReceiver
	closer := d.Discover(context.Background(), "users", &receiver)
	defer func() {
		require.NoError(t, closer.Close())
	}()

	require.Eventually(t, func() bool {
		return receiver.batchCount() == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, []discovery.Event{
		{Address: "10.0.0.1:8080", Status: discovery.StatusAvailable},
		{Address: "10.1.1.2:8080", Status: discovery.StatusAvailable},
	}, receiver.batch(0))
	require.ElementsMatch(t, []discovery.Event{
		{Address: "10.0.0.3:9090", Status: discovery.StatusAvailable},
		{Address: "10.0.0.1:8080", Status: discovery.StatusUnavailable},
	}, receiver.batch(1))
}

func TestDiscoverer_TagFiltering(t *testing.T) {
	t.Parallel()
	client := &fakeClient{gens: [][]*consul.ServiceEntry{
		{
			entry("10.0.0.1", "", 8080, "primary", "v2"),
			entry("10.0.0.2", "", 8080, "primary"),
		},
	}}
	// the first tag goes into the query; the rest are filtered here
	d := NewDiscoverer(client, log.NewNopLogger(), "primary", "v2")

	var receiver captureReceiver
	closer := d.Discover(context.Background(), "users", &receiver)
	defer func() {
		require.NoError(t, closer.Close())
	}()

	require.Eventually(t, func() bool {
		return receiver.batchCount() == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []discovery.Event{
		{Address: "10.0.0.1:8080", Status: discovery.StatusAvailable},
	}, receiver.batch(0))
}

func TestDiscoverer_CloseUnblocksWatch(t *testing.T) {
	t.Parallel()
	client := &fakeClient{} // blocks immediately
	d := NewDiscoverer(client, log.NewNopLogger())

	var receiver captureReceiver
	closer := d.Discover(context.Background(), "users", &receiver)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = closer.Close()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the pending blocking query")
	}
	require.Zero(t, receiver.batchCount())
}
