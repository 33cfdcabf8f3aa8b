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
	"testing"

	"github.com/chao-deepbits/hostlb/internal/balancertesting"
	"github.com/chao-deepbits/hostlb/internal/clocktest"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func newSelectorHosts(t *testing.T, factory *balancertesting.FakeFactory, addrs ...string) []*host {
	t.Helper()
	hosts := make([]*host, len(addrs))
	for i, addr := range addrs {
		hosts[i] = newHost(
			addr,
			factory,
			testHealthCheckConfig(),
			defaultLinearSearchSpace,
			clocktest.NewFakeClock(),
			log.NewNopLogger(),
			nil,
		)
	}
	return hosts
}

func TestSelector_EmptyList(t *testing.T) {
	t.Parallel()
	var selector roundRobinSelector
	_, err := selector.selectConn(context.Background(), nil, nil, false)
	require.ErrorIs(t, err, ErrNoHostsAvailable)
}

func TestSelector_RoundRobinOrder(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1", "c:1")
	var selector roundRobinSelector

	var got []string
	for i := 0; i < 6; i++ {
		picked, err := selector.selectConn(context.Background(), hosts, nil, true)
		require.NoError(t, err)
		got = append(got, picked.Address())
	}
	require.Equal(t, []string{"a:1", "b:1", "c:1", "a:1", "b:1", "c:1"}, got)
}

func TestSelector_FairnessAcrossWindows(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1", "c:1")
	var selector roundRobinSelector

	counts := map[string]int{}
	const rounds = 10
	for i := 0; i < rounds*len(hosts); i++ {
		picked, err := selector.selectConn(context.Background(), hosts, nil, true)
		require.NoError(t, err)
		counts[picked.Address()]++
	}
	for _, addr := range []string{"a:1", "b:1", "c:1"} {
		require.GreaterOrEqual(t, counts[addr], rounds-1, "host %s under-selected", addr)
	}
}

func TestSelector_SkipsUnhealthyHosts(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1")
	factory.SetError("b:1", errDialRefused)
	var selector roundRobinSelector

	// drive b unhealthy (threshold 3)
	for factory.DialCount("b:1") < 3 {
		_, _ = selector.selectConn(context.Background(), hosts, nil, false)
	}
	require.True(t, hosts[1].isUnhealthy())

	// every subsequent selection lands on a without touching b
	dials := factory.DialCount("b:1")
	for i := 0; i < 4; i++ {
		picked, err := selector.selectConn(context.Background(), hosts, nil, false)
		require.NoError(t, err)
		require.Equal(t, "a:1", picked.Address())
	}
	require.Equal(t, dials, factory.DialCount("b:1"))
}

func TestSelector_BuildFailureFallsThroughToNextHost(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1")
	factory.SetError("a:1", errDialRefused)
	var selector roundRobinSelector

	// the rotation starts at a, whose build fails; the selection still
	// succeeds on b
	picked, err := selector.selectConn(context.Background(), hosts, nil, false)
	require.NoError(t, err)
	require.Equal(t, "b:1", picked.Address())
	require.Equal(t, 1, factory.DialCount("a:1"))
}

func TestSelector_AllBuildsFailSurfacesLastError(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1")
	factory.SetError("a:1", errDialRefused)
	factory.SetError("b:1", errDialRefused)
	var selector roundRobinSelector

	_, err := selector.selectConn(context.Background(), hosts, nil, false)
	require.ErrorIs(t, err, errDialRefused)
}

func TestSelector_ForceNewDoesNotFanOut(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1")
	factory.SetError("a:1", errDialRefused)
	var selector roundRobinSelector

	// rotation starts at a; the forced build fails and must be surfaced,
	// not silently retried against b
	_, err := selector.selectConn(context.Background(), hosts, nil, true)
	require.ErrorIs(t, err, errDialRefused)
	require.Equal(t, 0, factory.DialCount("b:1"))
}

func TestSelector_NoActiveHost(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1")
	factory.SetError("a:1", errDialRefused)
	factory.SetError("b:1", errDialRefused)
	var selector roundRobinSelector

	for !allUnhealthy(hosts) {
		_, _ = selector.selectConn(context.Background(), hosts, nil, false)
	}
	_, err := selector.selectConn(context.Background(), hosts, nil, false)
	require.ErrorIs(t, err, ErrNoActiveHost)
}

func TestSelector_ForceNewSkipsExpiredHosts(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeFactory()
	hosts := newSelectorHosts(t, factory, "a:1", "b:1")

	// give a a pooled connection so it survives expiry
	pooled, err := hosts[0].selectOrBuild(context.Background(), nil, false)
	require.NoError(t, err)
	pooled.Release()
	require.False(t, hosts[0].markExpired())

	var selector roundRobinSelector
	// forced builds only consider active hosts, so both selections land
	// on b regardless of rotation
	for i := 0; i < 2; i++ {
		picked, err := selector.selectConn(context.Background(), hosts, nil, true)
		require.NoError(t, err)
		require.Equal(t, "b:1", picked.Address())
	}
}
