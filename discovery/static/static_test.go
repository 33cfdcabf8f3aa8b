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

package static

import (
	"context"
	"testing"

	"github.com/chao-deepbits/hostlb/discovery"
	"github.com/stretchr/testify/require"
)

type captureReceiver struct {
	batches [][]discovery.Event
	ended   []error
}

func (r *captureReceiver) OnEvents(events []discovery.Event) {
	batch := make([]discovery.Event, len(events))
	copy(batch, events)
	r.batches = append(r.batches, batch)
}

func (r *captureReceiver) OnEnd(err error) {
	r.ended = append(r.ended, err)
}

func TestDiscoverer_EmitsOneAvailableBatch(t *testing.T) {
	t.Parallel()
	d := NewDiscoverer("a:1", "b:1")
	var receiver captureReceiver
	closer := d.Discover(context.Background(), "ignored", &receiver)
	require.NoError(t, closer.Close())

	require.Len(t, receiver.batches, 1)
	require.Equal(t, []discovery.Event{
		{Address: "a:1", Status: discovery.StatusAvailable},
		{Address: "b:1", Status: discovery.StatusAvailable},
	}, receiver.batches[0])
	require.Empty(t, receiver.ended)
}

func TestDiscoverer_EmptySetEmitsNothing(t *testing.T) {
	t.Parallel()
	d := NewDiscoverer()
	var receiver captureReceiver
	closer := d.Discover(context.Background(), "ignored", &receiver)
	require.NoError(t, closer.Close())
	require.Empty(t, receiver.batches)
}

func TestDiscoverer_Resubscribable(t *testing.T) {
	t.Parallel()
	d := NewDiscoverer("a:1")
	var first, second captureReceiver
	require.NoError(t, d.Discover(context.Background(), "ignored", &first).Close())
	require.NoError(t, d.Discover(context.Background(), "ignored", &second).Close())
	require.Len(t, first.batches, 1)
	require.Len(t, second.batches, 1)
}
