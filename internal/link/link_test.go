//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package link_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/link"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/fakes/hypervisorfake"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const (
	interval = 2 * time.Second
	waitFor  = 5 * time.Second
	tick     = 5 * time.Millisecond
)

type recorder struct {
	mu           sync.Mutex
	connected    []hypervisor.Conn
	disconnected int
	order        []string

	// onConnected runs after Connected was recorded.
	onConnected func(conn hypervisor.Conn)
}

func (r *recorder) Connected(conn hypervisor.Conn) {
	r.mu.Lock()
	r.connected = append(r.connected, conn)
	r.order = append(r.order, "connected")
	hook := r.onConnected
	r.mu.Unlock()

	if hook != nil {
		hook(conn)
	}
}

func (r *recorder) Disconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disconnected++
	r.order = append(r.order, "disconnected")
}

func (r *recorder) notifications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.order...)
}

// closingConnector hands out connections that close while their close
// callback is registered, for the first drops connections.
type closingConnector struct {
	*hypervisorfake.Hypervisor
	drops atomic.Int32
}

func (c *closingConnector) Connect(uri string) (hypervisor.Conn, error) {
	conn, err := c.Hypervisor.Connect(uri)
	if err != nil {
		return nil, err
	}

	if c.drops.Add(-1) < 0 {
		return conn, nil
	}

	return closingConn{Conn: conn}, nil
}

type closingConn struct {
	hypervisor.Conn
}

func (c closingConn) RegisterCloseCallback(fn hypervisor.CloseHandler) error {
	if err := c.Conn.RegisterCloseCallback(fn); err != nil {
		return err
	}

	fn(hypervisor.CloseReasonEOF)

	return nil
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.connected), r.disconnected
}

type fixture struct {
	h     *hypervisorfake.Hypervisor
	clk   *clocktesting.FakeClock
	rec   *recorder
	link  *link.Link
	stop  func()
	tries int
}

func setup(t *testing.T) *fixture {
	t.Helper()

	h := hypervisorfake.New()

	return setupWith(t, h, h, &recorder{})
}

func setupWith(t *testing.T, h *hypervisorfake.Hypervisor, connector hypervisor.Connector, rec *recorder) *fixture {
	t.Helper()

	f := &fixture{
		h:   h,
		clk: clocktesting.NewFakeClock(time.Unix(0, 0)),
		rec: rec,
	}

	l, err := link.New(logr.Discard(), f.clk, connector, f.rec, link.Options{
		URI:           "test:///default",
		RetryInterval: interval,
	})
	require.NoError(t, err)
	f.link = l

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var once sync.Once
	f.stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(waitFor):
				t.Fatal("link did not stop")
			}
		})
	}
	t.Cleanup(f.stop)

	require.Eventually(t, func() bool { return f.clk.Waiters() == 1 }, waitFor, tick)

	return f
}

// attempt fires the retry ticker and waits for the resulting connect call.
func (f *fixture) attempt(t *testing.T) {
	t.Helper()

	f.tries++
	f.clk.Step(interval)
	require.Eventually(t, func() bool { return f.h.ConnectCalls() == f.tries }, waitFor, tick)
}

func TestLink_ReconnectScenario(t *testing.T) {
	f := setup(t)

	f.h.FailConnects(3)
	for range 3 {
		f.attempt(t)
	}

	connected, disconnected := f.rec.counts()
	assert.Equal(t, 0, connected)
	assert.Equal(t, 0, disconnected)
	assert.False(t, f.link.Connected())

	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)

	first := f.h.Last()
	require.True(t, first.HasCloseCallback())

	connected, disconnected = f.rec.counts()
	assert.Equal(t, 1, connected)
	assert.Equal(t, 0, disconnected)

	// The close notification is delivered synchronously, and only once.
	first.Drop(hypervisor.CloseReasonEOF)
	_, disconnected = f.rec.counts()
	assert.Equal(t, 1, disconnected)
	assert.False(t, f.link.Connected())

	first.Drop(hypervisor.CloseReasonKeepalive)
	_, disconnected = f.rec.counts()
	assert.Equal(t, 1, disconnected)

	require.Eventually(t, first.IsClosed, waitFor, tick)
	// a new retry ticker next to the stopped one
	require.Eventually(t, func() bool { return f.clk.Waiters() == 2 }, waitFor, tick)

	f.h.FailConnects(2)
	f.attempt(t)
	f.attempt(t)
	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)

	connected, disconnected = f.rec.counts()
	assert.Equal(t, 2, connected)
	assert.Equal(t, 1, disconnected)
	assert.NotSame(t, first, f.h.Last())
}

func TestLink_ClosedWhileRegistering(t *testing.T) {
	h := hypervisorfake.New()
	connector := &closingConnector{Hypervisor: h}
	connector.drops.Store(1)

	f := setupWith(t, h, connector, &recorder{})

	f.attempt(t)
	first := h.Last()
	require.Eventually(t, first.IsClosed, waitFor, tick)

	assert.Never(t, f.link.Connected, 50*time.Millisecond, tick)
	assert.Empty(t, f.rec.notifications())

	// the retry ticker kept running
	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)
	assert.Equal(t, []string{"connected"}, f.rec.notifications())
	assert.NotSame(t, first, h.Last())
}

func TestLink_ClosedWhileAnnouncing(t *testing.T) {
	h := hypervisorfake.New()

	var dropped atomic.Bool
	rec := &recorder{onConnected: func(hypervisor.Conn) {
		if dropped.CompareAndSwap(false, true) {
			h.Last().Drop(hypervisor.CloseReasonKeepalive)
		}
	}}

	f := setupWith(t, h, h, rec)

	f.attempt(t)
	first := h.Last()
	require.Eventually(t, first.IsClosed, waitFor, tick)

	assert.Equal(t, []string{"connected", "disconnected"}, rec.notifications())
	assert.False(t, f.link.Connected())

	// a new retry ticker next to the stopped one
	require.Eventually(t, func() bool { return f.clk.Waiters() == 2 }, waitFor, tick)

	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)
	assert.Equal(t, []string{"connected", "disconnected", "connected"}, rec.notifications())
}

func TestLink_NoAttemptWhileConnected(t *testing.T) {
	f := setup(t)

	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)

	f.clk.Step(interval)
	f.clk.Step(interval)

	assert.Never(t, func() bool { return f.h.ConnectCalls() > 1 }, 50*time.Millisecond, tick)
}

func TestLink_ShutdownWhileConnected(t *testing.T) {
	f := setup(t)

	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)
	conn := f.h.Last()

	f.stop()

	connected, disconnected := f.rec.counts()
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, disconnected)
	assert.True(t, conn.IsClosed())
	assert.False(t, f.link.Connected())
}

func TestLink_ShutdownAfterDrop(t *testing.T) {
	f := setup(t)

	f.attempt(t)
	require.Eventually(t, f.link.Connected, waitFor, tick)
	conn := f.h.Last()

	conn.Drop(hypervisor.CloseReasonError)
	f.stop()

	_, disconnected := f.rec.counts()
	assert.Equal(t, 1, disconnected)
	assert.True(t, conn.IsClosed())
}

func TestNew_InvalidInterval(t *testing.T) {
	_, err := link.New(logr.Discard(), clocktesting.NewFakeClock(time.Now()), hypervisorfake.New(), &recorder{},
		link.Options{URI: "test:///default"})
	assert.Error(t, err)
}
