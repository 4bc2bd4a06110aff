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

// Package host assembles the event bridge: the event loop registry, the
// hypervisor link, the domain subscriber, the VM model and the worker pool.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/adapter"
	"github.com/alexandremahdhaoui/virtbridge/internal/eventloop"
	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/link"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/reconcile"
	"github.com/alexandremahdhaoui/virtbridge/internal/subscriber"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/alexandremahdhaoui/virtbridge/internal/vmstate"
	"github.com/alexandremahdhaoui/virtbridge/internal/worker"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"
)

var (
	ErrHostRunning  = errors.New("host is already running")
	ErrNotConnected = errors.New("hypervisor is not connected")

	errInitHost   = errors.New("cannot initialize host")
	errBindEvents = errors.New("cannot bind hypervisor events")
)

var errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "virtbridge",
	Subsystem: "host",
	Name:      "errors_total",
	Help:      "Number of errors reported to the host.",
})

// Clock drives every timer of the host.
type Clock interface {
	clock.WithTicker
	clock.WithDelayedExecution
}

// Options configures a Host.
type Options struct {
	URI                 string
	ReconnectInterval   time.Duration
	PerformanceInterval time.Duration

	NetworkConfigPath  string
	ProblemReportDir   string
	DefaultVMDirectory string
	Users              []types.Owner

	// BindEvents installs the process-wide hypervisor event implementation
	// on the host's event loop. Nil leaves it unbound.
	BindEvents func(access *eventloop.Access) error
}

// Host owns every component of the bridge. Build one with New and drive it
// with Run.
type Host struct {
	log  logr.Logger
	opts Options

	registry   *eventloop.Registry
	access     *eventloop.Access
	machines   *vmstate.Factory
	system     *model.System
	coarse     *model.Coarse
	pool       *worker.Pool
	subscriber *subscriber.Subscriber
	link       *link.Link

	running atomic.Bool
}

var _ adapter.ConnSource = &Host{}

// New builds a Host connecting through connector.
func New(log logr.Logger, clk Clock, connector hypervisor.Connector, opts Options) (*Host, error) {
	log = log.WithName("host")
	h := &Host{log: log, opts: opts}

	h.machines = vmstate.NewFactory(log, clk)
	h.system = model.NewSystem(log, adapter.NewOwnerResolver(opts.DefaultVMDirectory, opts.Users), h.machines)

	h.coarse = model.NewCoarse(
		log,
		clk,
		h.system,
		adapter.NewFileProblemReporter(opts.ProblemReportDir),
		adapter.NewConfigStore(h),
		adapter.NewDeviceEditor(h),
	)

	// Tasks are never canceled: shutdown waits for them instead.
	h.pool = worker.NewPool(context.Background(), log, worker.WithErrorHandler(h.onTaskError))

	reconciler := reconcile.New(log, clk, h.system, reconcile.NewNetworkImport(log, opts.NetworkConfigPath))

	sub, err := subscriber.New(log, clk, h.coarse, reconciler, h.pool, subscriber.Options{
		PerformanceInterval: opts.PerformanceInterval,
	})
	if err != nil {
		return nil, errors.Join(errInitHost, err)
	}

	h.subscriber = sub

	l, err := link.New(log, clk, connector, sub, link.Options{
		URI:           opts.URI,
		RetryInterval: opts.ReconnectInterval,
	})
	if err != nil {
		return nil, errors.Join(errInitHost, err)
	}

	h.link = l

	// Last: the registry holds file descriptors until it ran.
	registry, err := eventloop.NewRegistry(log, clk)
	if err != nil {
		return nil, errors.Join(errInitHost, err)
	}

	h.registry = registry
	h.access = eventloop.NewAccess(registry)

	return h, nil
}

// Run starts the event loop, binds the event implementation and keeps the
// hypervisor connection up until ctx is done. On return the connection is
// closed, every task returned, and every tracked VM was released.
func (h *Host) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrHostRunning
	}

	// The loop outlives ctx: closing the connection still goes through it.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoop()

	loopDone := make(chan error, 1)
	go func() { loopDone <- h.registry.Run(loopCtx) }()

	if h.opts.BindEvents != nil {
		if err := h.opts.BindEvents(h.access); err != nil {
			err = errors.Join(errBindEvents, err)
			h.log.Error(err, "cannot run without hypervisor events")

			h.pool.Close()
			stopLoop()
			loopErr := <-loopDone
			h.system.Close()

			return errors.Join(err, loopErr)
		}
	}

	h.log.Info("running", "uri", h.opts.URI)

	linkErr := h.link.Run(ctx)

	h.pool.Close()

	stopLoop()
	loopErr := <-loopDone

	h.system.Close()

	h.log.Info("stopped")

	return errors.Join(linkErr, loopErr)
}

// OnError records an error reported by a component of the bridge.
func (h *Host) OnError(err error) {
	if err == nil {
		return
	}

	errorsTotal.Inc()
	h.log.Error(err, "error reported")
}

func (h *Host) onTaskError(task string, err error) {
	h.OnError(fmt.Errorf("task %s: %w", task, err))
}

// Current returns the hypervisor connection in use, or nil.
func (h *Host) Current() hypervisor.Conn {
	return h.subscriber.Current()
}

// Ready returns ErrNotConnected while no hypervisor connection is held.
func (h *Host) Ready() error {
	if !h.link.Connected() {
		return ErrNotConnected
	}

	return nil
}

// System returns the VM model.
func (h *Host) System() *model.System { return h.system }

// Machines returns the state machines of the tracked VMs.
func (h *Host) Machines() *vmstate.Factory { return h.machines }

// Coarse returns the event entry point of the VM model.
func (h *Host) Coarse() *model.Coarse { return h.coarse }

// Access returns the façade the hypervisor event implementation is bound to.
func (h *Host) Access() *eventloop.Access { return h.access }
