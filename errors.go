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

import "errors"

var (
	// ErrClosed is returned by SelectConnection and NewConnection after
	// the load balancer has been closed.
	ErrClosed = errors.New("load balancer is closed")
	// ErrNoHostsAvailable is returned when the current host list is empty,
	// whether service discovery has not reported any host yet or every
	// reported host has since been removed.
	ErrNoHostsAvailable = errors.New("no hosts are available")
	// ErrNoActiveHost is returned when the host list is non-empty but
	// every host is unhealthy or expired with no reusable connection.
	ErrNoActiveHost = errors.New("no active host")

	// errHostNotActive is how a host rejects an operation that requires it
	// to be active. The selector treats it as "skip this host"; it never
	// escapes to callers.
	errHostNotActive = errors.New("host is not active")
)
