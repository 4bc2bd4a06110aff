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

// Package link keeps a single hypervisor connection open, reconnecting on a
// fixed interval while the hypervisor is unreachable.
package link

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/mailbox"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"
)

var (
	ErrLinkRunning = errors.New("link is already running")

	errInvalidInterval = errors.New("retry interval must be positive")
	errRegisterClose   = errors.New("cannot register close callback")
)

var (
	connectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "link",
		Name:      "connect_attempts_total",
		Help:      "Number of attempts to connect to the hypervisor.",
	}, []string{"result"})

	disconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "link",
		Name:      "disconnects_total",
		Help:      "Number of times the hypervisor connection was lost.",
	}, []string{"reason"})

	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "link",
		Name:      "connected",
		Help:      "1 when the hypervisor connection is established.",
	})
)

// Listener is notified of connection transitions. Connected runs on the Link
// goroutine. Disconnected runs synchronously on whichever goroutine observed
// the connection loss.
type Listener interface {
	Connected(conn hypervisor.Conn)
	Disconnected()
}

// Options configures a Link.
type Options struct {
	URI           string
	RetryInterval time.Duration
}

// Connection states. A connection is pending from its close callback
// registration until the listener was told about it.
const (
	statePending int32 = iota
	stateConnected
	stateDropped
)

// connection is one successful connect. state guards the single
// Disconnected notification of this connection.
type connection struct {
	conn   hypervisor.Conn
	state  atomic.Int32
	reason atomic.Int32
}

func (c *connection) closeReason() hypervisor.CloseReason {
	return hypervisor.CloseReason(c.reason.Load())
}

// Link is the connection lifecycle manager.
type Link struct {
	log       logr.Logger
	clock     clock.WithTicker
	connector hypervisor.Connector
	listener  Listener
	opts      Options
	mb        *mailbox.Mailbox

	// owned by the Run goroutine
	ticker clock.Ticker

	current atomic.Pointer[connection]
	running atomic.Bool
}

// New returns a Link. Nothing happens until Run is called.
func New(
	log logr.Logger,
	clk clock.WithTicker,
	connector hypervisor.Connector,
	listener Listener,
	opts Options,
) (*Link, error) {
	if opts.RetryInterval <= 0 {
		return nil, errInvalidInterval
	}

	return &Link{
		log:       log.WithName("link").WithValues("uri", opts.URI),
		clock:     clk,
		connector: connector,
		listener:  listener,
		opts:      opts,
		mb:        mailbox.New(),
	}, nil
}

// Connected reports whether a live connection is currently held.
func (l *Link) Connected() bool {
	c := l.current.Load()
	return c != nil && c.state.Load() == stateConnected
}

// Run drives the connection until ctx is done. On return the connection, if
// any, is closed and Disconnected was delivered.
func (l *Link) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLinkRunning
	}

	l.startRetry()

	for {
		var tick <-chan time.Time
		if l.ticker != nil {
			tick = l.ticker.C()
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-tick:
			l.tryConnect()
		case fn, ok := <-l.mb.Out():
			if !ok {
				l.shutdown()
				return nil
			}

			fn()
		}
	}
}

func (l *Link) startRetry() {
	if l.ticker != nil {
		return
	}

	l.ticker = l.clock.NewTicker(l.opts.RetryInterval)
}

func (l *Link) stopRetry() {
	if l.ticker == nil {
		return
	}

	l.ticker.Stop()
	l.ticker = nil
}

func (l *Link) tryConnect() {
	conn, err := l.connector.Connect(l.opts.URI)
	if err != nil {
		connectAttemptsTotal.WithLabelValues("failure").Inc()
		l.log.V(1).Info("hypervisor unreachable, will retry", "err", err.Error())

		return
	}

	c := &connection{conn: conn}

	if err := conn.RegisterCloseCallback(func(reason hypervisor.CloseReason) {
		l.onClose(c, reason)
	}); err != nil {
		connectAttemptsTotal.WithLabelValues("failure").Inc()
		l.log.V(1).Info("hypervisor unreachable, will retry", "err", errors.Join(errRegisterClose, err).Error())

		if err := conn.Close(); err != nil {
			l.log.V(1).Info("cannot close connection", "err", err.Error())
		}

		return
	}

	// Dropped before it could be announced: keep retrying.
	if c.state.Load() == stateDropped {
		connectAttemptsTotal.WithLabelValues("failure").Inc()
		l.log.V(1).Info("hypervisor connection closed while connecting, will retry",
			"reason", c.closeReason().String())

		if err := conn.Close(); err != nil {
			l.log.V(1).Info("cannot close connection", "err", err.Error())
		}

		return
	}

	connectAttemptsTotal.WithLabelValues("success").Inc()
	l.stopRetry()
	l.current.Store(c)
	connectedGauge.Set(1)
	l.log.Info("connected to hypervisor")

	l.listener.Connected(conn)

	// A close observed while the listener was notified is announced now,
	// after Connected.
	if !c.state.CompareAndSwap(statePending, stateConnected) {
		l.announceClosed(c)
		l.setClosed(c)
	}
}

// onClose may run on any goroutine.
func (l *Link) onClose(c *connection, reason hypervisor.CloseReason) {
	c.reason.Store(int32(reason))

	if c.state.CompareAndSwap(statePending, stateDropped) {
		return
	}

	if !c.state.CompareAndSwap(stateConnected, stateDropped) {
		return
	}

	l.announceClosed(c)

	// The mailbox is closed during shutdown, which closes the connection itself.
	l.mb.Post(func() { l.setClosed(c) })
}

func (l *Link) announceClosed(c *connection) {
	reason := c.closeReason().String()

	disconnectsTotal.WithLabelValues(reason).Inc()
	connectedGauge.Set(0)
	l.log.Info("hypervisor connection closed", "reason", reason)

	l.listener.Disconnected()
}

func (l *Link) setClosed(c *connection) {
	if !l.current.CompareAndSwap(c, nil) {
		return
	}

	if err := c.conn.Close(); err != nil {
		l.log.V(1).Info("cannot close connection", "err", err.Error())
	}

	l.startRetry()
}

func (l *Link) shutdown() {
	l.stopRetry()

	if c := l.current.Swap(nil); c != nil {
		if err := c.conn.UnregisterCloseCallback(); err != nil {
			l.log.V(1).Info("cannot unregister close callback", "err", err.Error())
		}

		if c.state.CompareAndSwap(stateConnected, stateDropped) {
			connectedGauge.Set(0)
			l.listener.Disconnected()
		}

		if err := c.conn.Close(); err != nil {
			l.log.V(1).Info("cannot close connection", "err", err.Error())
		}
	}

	l.mb.Close()
	l.mb.Drain()
}
