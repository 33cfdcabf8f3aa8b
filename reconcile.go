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
	"github.com/chao-deepbits/hostlb/discovery"
	"github.com/go-kit/log/level"
)

// reconcile applies one service-discovery batch to the current host list
// and returns the next list. readyTransition reports that the batch added
// at least one fresh host to the list.
//
// Duplicate addresses within a batch resolve last-wins; unknown statuses
// leave the host untouched. Both are logged. Always runs on the
// balancer's single-writer executor.
func (lb *LoadBalancer) reconcile(oldHosts []*host, events []discovery.Event) (nextHosts []*host, readyTransition bool) {
	eventMap := make(map[string]discovery.Event, len(events))
	for _, event := range events {
		if _, ok := eventMap[event.Address]; ok {
			_ = level.Warn(lb.logger).Log(
				"msg", "multiple discovery events for address in one batch; last wins",
				"address", event.Address,
			)
		}
		eventMap[event.Address] = event
	}

	nextHosts = make([]*host, 0, len(oldHosts)+len(events))
	for _, existing := range oldHosts {
		event, ok := eventMap[existing.address]
		if !ok {
			// no update for this host; carry it over
			nextHosts = append(nextHosts, existing)
			continue
		}
		delete(eventMap, existing.address)
		switch event.Status {
		case discovery.StatusAvailable:
			readyTransition = readyTransition || len(oldHosts) == 0
			if existing.markActiveIfNotClosed() {
				nextHosts = append(nextHosts, existing)
			} else {
				// the old host is closed and drains separately; a fresh
				// one takes over the address
				nextHosts = append(nextHosts, lb.newHost(event.Address))
			}
		case discovery.StatusExpired:
			if !existing.markExpired() {
				nextHosts = append(nextHosts, existing)
			}
		case discovery.StatusUnavailable:
			existing.markClosed()
		default:
			_ = level.Warn(lb.logger).Log(
				"msg", "unsupported status in discovery event; host unchanged",
				"address", event.Address,
				"status", int(event.Status),
			)
			nextHosts = append(nextHosts, existing)
		}
	}
	// Events that didn't match an existing host: only available ones
	// matter, each becoming a fresh host. Iterate the original batch (not
	// the map) so list order, and thus round-robin order, is
	// deterministic.
	for _, event := range events {
		leftover, ok := eventMap[event.Address]
		if !ok || leftover != event || event.Status != discovery.StatusAvailable {
			continue
		}
		delete(eventMap, event.Address)
		nextHosts = append(nextHosts, lb.newHost(event.Address))
		readyTransition = true
	}
	return nextHosts, readyTransition
}

// reconcileAfterResubscribe handles the first batch delivered by a fresh
// subscription that replaced one abandoned because every host was
// unhealthy. A batch consisting solely of available events indicates the
// discoverer keeps no state between subscriptions and has effectively
// emitted its entire world view: any host absent from the batch no longer
// exists as far as the discoverer is concerned, so it is gracefully
// closed. A batch containing any other status indicates a stateful
// discoverer that has already assigned correct states; leave the list
// alone.
func (lb *LoadBalancer) reconcileAfterResubscribe(nextHosts []*host, events []discovery.Event) {
	for _, event := range events {
		if event.Status != discovery.StatusAvailable {
			return
		}
	}
	inBatch := make(map[string]struct{}, len(events))
	for _, event := range events {
		inBatch[event.Address] = struct{}{}
	}
	for _, existing := range nextHosts {
		if _, ok := inBatch[existing.address]; !ok {
			_ = level.Debug(lb.logger).Log(
				"msg", "closing host absent from stateless discoverer's first batch",
				"host", existing.address,
			)
			existing.markClosed()
		}
	}
}
