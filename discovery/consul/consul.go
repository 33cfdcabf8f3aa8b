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

// Package consul provides a discoverer backed by Consul's health API.
// Service membership is watched with blocking queries; changes between
// successive result sets are reported as available/unavailable events.
package consul

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chao-deepbits/hostlb/discovery"
	"github.com/chao-deepbits/hostlb/internal"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	consul "github.com/hashicorp/consul/api"
)

const (
	defaultIndex = 0
	errorRetry   = time.Second
)

// Client describes the subset of the Consul API the discoverer uses.
// It exists so tests can substitute a fake.
type Client interface {
	// Service returns the healthy entries for the given service and tag.
	Service(service, tag string, opts *consul.QueryOptions) ([]*consul.ServiceEntry, *consul.QueryMeta, error)
}

// NewClient wraps a *consul.Client in the Client interface.
func NewClient(client *consul.Client) Client {
	return apiClient{client}
}

type apiClient struct {
	client *consul.Client
}

func (c apiClient) Service(service, tag string, opts *consul.QueryOptions) ([]*consul.ServiceEntry, *consul.QueryMeta, error) {
	return c.client.Health().ServiceMultipleTags(service, tagsOrNil(tag), true, opts)
}

func tagsOrNil(tag string) []string {
	if tag == "" {
		return nil
	}
	return []string{tag}
}

// Discoverer is a discovery.Discoverer that watches a Consul service.
// The target passed to Discover is the Consul service name. Only
// instances for which all of the configured tags are present are
// reported.
type Discoverer struct {
	client Client
	logger log.Logger
	tags   []string
	clock  internal.Clock
}

var _ discovery.Discoverer = (*Discoverer)(nil)

// NewDiscoverer returns a Consul-backed discoverer.
func NewDiscoverer(client Client, logger log.Logger, tags ...string) *Discoverer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Discoverer{
		client: client,
		logger: logger,
		tags:   tags,
		clock:  internal.NewRealClock(),
	}
}

// Discover implements discovery.Discoverer.
func (d *Discoverer) Discover(ctx context.Context, service string, receiver discovery.Receiver) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &watchTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		discoverer: d,
	}
	go task.run(ctx, service, receiver)
	return task
}

type watchTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	discoverer *Discoverer
}

func (task *watchTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *watchTask) run(ctx context.Context, service string, receiver discovery.Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	d := task.discoverer
	logger := log.With(d.logger, "service", service, "tags", strings.Join(d.tags, ","))

	known := map[string]struct{}{}
	lastIndex := uint64(defaultIndex)
	for {
		instances, index, err := d.getInstances(ctx, service, lastIndex)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			_ = level.Warn(logger).Log("msg", "consul query failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(errorRetry):
			}
			// start over from a non-blocking query
			lastIndex = defaultIndex
			continue
		}
		lastIndex = index
		if batch := diff(known, instances); len(batch) > 0 {
			receiver.OnEvents(batch)
		}
	}
}

func (d *Discoverer) getInstances(ctx context.Context, service string, lastIndex uint64) ([]string, uint64, error) {
	tag := ""
	if len(d.tags) > 0 {
		tag = d.tags[0]
	}
	opts := &consul.QueryOptions{WaitIndex: lastIndex}
	entries, meta, err := d.client.Service(service, tag, opts.WithContext(ctx))
	if err != nil {
		return nil, 0, err
	}
	// If more than one tag is configured we filter the rest here, since
	// the query API matches a single tag.
	if len(d.tags) > 1 {
		entries = filterEntries(entries, d.tags[1:]...)
	}
	return makeInstances(entries), meta.LastIndex, nil
}

func diff(known map[string]struct{}, instances []string) []discovery.Event {
	var events []discovery.Event
	next := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		next[instance] = struct{}{}
		if _, ok := known[instance]; !ok {
			events = append(events, discovery.Event{Address: instance, Status: discovery.StatusAvailable})
		}
	}
	for instance := range known {
		if _, ok := next[instance]; !ok {
			events = append(events, discovery.Event{Address: instance, Status: discovery.StatusUnavailable})
		}
	}
	clear(known)
	for instance := range next {
		known[instance] = struct{}{}
	}
	return events
}

func filterEntries(entries []*consul.ServiceEntry, tags ...string) []*consul.ServiceEntry {
	var filtered []*consul.ServiceEntry

ENTRIES:
	for _, entry := range entries {
		have := make(map[string]struct{}, len(entry.Service.Tags))
		for _, tag := range entry.Service.Tags {
			have[tag] = struct{}{}
		}
		for _, tag := range tags {
			if _, ok := have[tag]; !ok {
				continue ENTRIES
			}
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func makeInstances(entries []*consul.ServiceEntry) []string {
	instances := make([]string, len(entries))
	for i, entry := range entries {
		addr := entry.Node.Address
		if entry.Service.Address != "" {
			addr = entry.Service.Address
		}
		instances[i] = fmt.Sprintf("%s:%d", addr, entry.Service.Port)
	}
	return instances
}
