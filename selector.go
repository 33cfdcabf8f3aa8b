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
	"sync/atomic"

	"github.com/chao-deepbits/hostlb/conn"
)

// Filter is a predicate applied to candidate reused connections (for
// example to match a protocol version or auth context). It is not applied
// to freshly built connections: a new connection is assumed to satisfy
// the caller's intent. A nil Filter accepts every connection.
type Filter func(conn.Conn) bool

// roundRobinSelector picks hosts in rotation. The only state is a
// monotonically increasing counter whose value modulo the host-list
// length yields the starting index, so a stable list order preserves
// fairness across selections.
type roundRobinSelector struct {
	// +checkatomic
	counter atomic.Uint64
}

// selectConn picks a connection from the given host-list snapshot.
//
// Starting from the rotating index, each host in turn is asked for a
// connection; hosts that are neither active nor expired are skipped.
// Ties break strictly lexicographically by the rotating index; there is
// no random reshuffle.
//
// When forceNew is set, only active hosts are considered, and the first
// build failure is surfaced rather than retried on another host: the
// caller asked for a guaranteed fresh connection, and silently
// substituting a different backend would be wrong.
func (s *roundRobinSelector) selectConn(
	ctx context.Context,
	hosts []*host,
	filter Filter,
	forceNew bool,
) (conn.Conn, error) {
	if len(hosts) == 0 {
		return nil, ErrNoHostsAvailable
	}
	cursor := s.counter.Add(1) - 1
	var buildErr error
	for i := 0; i < len(hosts); i++ {
		candidate := hosts[(cursor+uint64(i))%uint64(len(hosts))]
		state := candidate.currentState()
		if state != hostActive && state != hostExpired {
			continue
		}
		if forceNew && state != hostActive {
			continue
		}
		picked, err := candidate.selectOrBuild(ctx, filter, forceNew)
		if err == nil {
			return picked, nil
		}
		if errors.Is(err, errHostNotActive) {
			// the host transitioned under us; treat like a skip
			continue
		}
		if forceNew {
			return nil, err
		}
		buildErr = err
	}
	if buildErr != nil {
		// every eligible host failed to produce a connection; surface the
		// last build error
		return nil, buildErr
	}
	return nil, ErrNoActiveHost
}
