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

// Package hostlb provides a client-side load balancer over a dynamic set
// of backend hosts.
//
// A LoadBalancer consumes an asynchronous stream of service-discovery
// events (see [github.com/chao-deepbits/hostlb/discovery]) describing
// which backend addresses are currently available, expired, or
// unavailable. It maintains a per-host pool of reusable connections
// produced by an injected factory (see
// [github.com/chao-deepbits/hostlb/conn]) and exposes a single
// request-path operation: pick a connection, optionally constrained by a
// predicate.
//
// Selection is round-robin across hosts, skipping unhealthy ones. A host
// that accumulates too many consecutive connect failures is quarantined
// and re-probed in the background with jittered backoff; when every host
// is unhealthy, the discovery subscription itself is abandoned and
// re-established, on the theory that the local view has drifted from the
// discoverer's.
//
// Basic use:
//
//	lb := hostlb.New("users-service", discoverer, factory)
//	defer lb.Close()
//
//	cn, err := lb.SelectConnection(ctx, nil)
//	if err != nil {
//		// handle
//	}
//	defer cn.Release()
//
// Callers that need a guaranteed-fresh connection (e.g. to negotiate
// per-connection state) use NewConnection instead; the Events method
// exposes a readiness stream that replays its most recent value to new
// subscribers.
package hostlb
