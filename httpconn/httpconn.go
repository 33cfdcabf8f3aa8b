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

// Package httpconn provides a conn.Factory whose connections are logical
// HTTP transports to a single resolved address: HTTP/1.1 or HTTP/2 over
// TLS, or HTTP/2 over clear-text (h2c).
//
// A connection produced here may be backed by more than one socket, but
// the initial socket is established eagerly so that an unreachable
// backend surfaces as a build error, which is what drives the load
// balancer's health accounting.
package httpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chao-deepbits/hostlb/conn"
	"golang.org/x/net/http2"
)

var errConnClosed = errors.New("connection is closed")

var (
	_ conn.Factory = (*Factory)(nil)
	_ conn.Conn    = (*httpConn)(nil)
)

// Option configures a Factory. See NewFactory.
type Option interface {
	apply(*Factory)
}

// WithTLSConfig makes connections use TLS with the given configuration.
// HTTP/2 is negotiated via ALPN when the server supports it.
func WithTLSConfig(config *tls.Config) Option {
	return optionFunc(func(f *Factory) {
		f.tlsConfig = config
	})
}

// WithH2C forces HTTP/2 over clear-text. Mutually exclusive with
// WithTLSConfig; if both are given, TLS wins.
func WithH2C() Option {
	return optionFunc(func(f *Factory) {
		f.h2c = true
	})
}

// WithDialTimeout bounds the initial socket establishment per connection
// build. The default is 10 seconds; the per-request context can always
// shorten it.
func WithDialTimeout(d time.Duration) Option {
	return optionFunc(func(f *Factory) {
		f.dialTimeout = d
	})
}

type optionFunc func(*Factory)

func (f optionFunc) apply(factory *Factory) {
	f(factory)
}

// Factory builds logical HTTP connections. It implements conn.Factory.
type Factory struct {
	tlsConfig   *tls.Config
	h2c         bool
	dialTimeout time.Duration
}

// NewFactory returns a factory that builds plain HTTP/1.1 connections
// unless configured otherwise with WithTLSConfig or WithH2C.
func NewFactory(opts ...Option) *Factory {
	factory := &Factory{dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt.apply(factory)
	}
	return factory
}

// New implements conn.Factory. It dials the address eagerly, so a
// connect failure is returned here rather than deferred to the first
// request, and hands the established socket to the transport for its
// first use.
func (f *Factory) New(ctx context.Context, address string) (conn.Conn, error) {
	dialer := &net.Dialer{Timeout: f.dialTimeout}
	socket, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	first := &firstUseDialer{socket: socket, dialer: dialer}

	c := &httpConn{
		addr: address,
		done: make(chan struct{}),
	}
	switch {
	case f.tlsConfig != nil:
		transport := &http.Transport{
			DialContext:       first.dial,
			TLSClientConfig:   f.tlsConfig.Clone(),
			ForceAttemptHTTP2: true,
			MaxIdleConns:      1,
		}
		c.scheme = "https"
		c.transport = transport
		c.closeIdle = transport.CloseIdleConnections
	case f.h2c:
		transport := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return first.dial(ctx, network, addr)
			},
		}
		c.scheme = "http"
		c.transport = transport
		c.closeIdle = transport.CloseIdleConnections
	default:
		transport := &http.Transport{
			DialContext:  first.dial,
			MaxIdleConns: 1,
		}
		c.scheme = "http"
		c.transport = transport
		c.closeIdle = transport.CloseIdleConnections
	}
	return c, nil
}

// Close implements conn.Factory. The factory holds no resources of its
// own; connections are closed individually by the balancer.
func (f *Factory) Close() error {
	return nil
}

// firstUseDialer hands out an already-established socket on the first
// dial and dials normally afterwards.
type firstUseDialer struct {
	socket net.Conn
	dialer *net.Dialer
	// +checkatomic
	used atomic.Bool
}

func (d *firstUseDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.used.CompareAndSwap(false, true) {
		return d.socket, nil
	}
	return d.dialer.DialContext(ctx, network, addr)
}

// httpConn is a logical HTTP connection to one address. It implements
// conn.Conn and http.RoundTripper; requests are routed to the
// connection's address regardless of the request URL's host.
type httpConn struct {
	addr      string
	scheme    string
	transport http.RoundTripper
	closeIdle func()
	done      chan struct{}

	active sync.WaitGroup

	// +checkatomic
	reserved atomic.Bool
	// +checkatomic
	closed atomic.Bool
}

// Address implements conn.Conn.
func (c *httpConn) Address() string {
	return c.addr
}

// TryReserve implements conn.Conn.
func (c *httpConn) TryReserve() bool {
	if c.closed.Load() {
		return false
	}
	return c.reserved.CompareAndSwap(false, true)
}

// Release implements conn.Conn.
func (c *httpConn) Release() {
	c.reserved.Store(false)
}

// Done implements conn.Conn.
func (c *httpConn) Done() <-chan struct{} {
	return c.done
}

// RoundTrip sends a request over this connection. The request URL's
// scheme and host are rewritten to this connection's address. The
// request counts as in-flight until its response body is fully consumed
// or closed.
func (c *httpConn) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.closed.Load() {
		return nil, errConnClosed
	}
	c.active.Add(1)
	if req.URL.Scheme != c.scheme || req.URL.Host != c.addr {
		req = req.Clone(req.Context())
		req.URL.Scheme = c.scheme
		req.URL.Host = c.addr
	}
	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		c.active.Done()
		return nil, err
	}
	resp.Body = &hookReadCloser{ReadCloser: resp.Body, hook: c.active.Done}
	return resp, nil
}

// Shutdown implements conn.Conn. It waits for in-flight requests to
// finish before tearing the transport down, or gives up when the context
// is cancelled.
func (c *httpConn) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	drained := make(chan struct{})
	go func() {
		c.active.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.closeIdle()
	close(c.done)
	return err
}

// Close implements conn.Conn.
func (c *httpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.closeIdle()
	close(c.done)
	return nil
}

// hookReadCloser invokes hook exactly once, when the body is exhausted
// or closed.
type hookReadCloser struct {
	io.ReadCloser
	hook func()

	// +checkatomic
	closed atomic.Bool
}

func (h *hookReadCloser) fire() {
	if h.closed.CompareAndSwap(false, true) {
		h.hook()
	}
}

func (h *hookReadCloser) Read(p []byte) (int, error) {
	n, err := h.ReadCloser.Read(p)
	if err != nil {
		h.fire()
	}
	return n, err
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.fire()
	return err
}
