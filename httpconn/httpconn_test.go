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

package httpconn

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	return server, serverURL.Host
}

func TestFactory_BuildAndRoundTrip(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t)
	factory := NewFactory()

	built, err := factory.New(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, addr, built.Address())

	httpC, ok := built.(*httpConn)
	require.True(t, ok)

	// the request URL's host is rewritten to the connection's address
	req, err := http.NewRequest(http.MethodGet, "http://ignored.example.com/", http.NoBody)
	require.NoError(t, err)
	resp, err := httpC.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "ok", string(body))

	require.NoError(t, built.Close())
}

func TestFactory_ConnectFailureSurfacesAtBuild(t *testing.T) {
	t.Parallel()
	factory := NewFactory(WithDialTimeout(time.Second))

	// a port with nothing listening: the build itself must fail
	_, err := factory.New(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
}

func TestConn_ReservationIsOneShot(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t)
	factory := NewFactory()
	built, err := factory.New(context.Background(), addr)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, built.Close())
	}()

	require.True(t, built.TryReserve())
	require.False(t, built.TryReserve())
	built.Release()
	require.True(t, built.TryReserve())
}

func TestConn_ClosedRejectsReservationAndSignalsDone(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t)
	factory := NewFactory()
	built, err := factory.New(context.Background(), addr)
	require.NoError(t, err)

	select {
	case <-built.Done():
		t.Fatal("done before close")
	default:
	}
	require.NoError(t, built.Close())
	require.NoError(t, built.Close()) // idempotent
	select {
	case <-built.Done():
	case <-time.After(time.Second):
		t.Fatal("done not signalled after close")
	}
	require.False(t, built.TryReserve())
}

func TestConn_ShutdownWaitsForInFlightRequests(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		_, _ = io.WriteString(w, "done")
	}))
	t.Cleanup(server.Close)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	factory := NewFactory()
	built, err := factory.New(context.Background(), serverURL.Host)
	require.NoError(t, err)
	httpC := built.(*httpConn)

	respReady := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "http://x/", http.NoBody)
		resp, rtErr := httpC.RoundTrip(req)
		if rtErr == nil {
			respReady <- resp
		}
	}()

	// wait for the request to be in flight at the server
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("request never reached the server")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownDone <- built.Shutdown(ctx)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown completed while a request was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	resp := <-respReady
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "done", string(body))

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after the request drained")
	}
}
