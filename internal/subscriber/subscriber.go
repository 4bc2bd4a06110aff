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

// Package subscriber turns hypervisor domain events into model updates and
// reconciliation tasks while a connection is up.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/link"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/reconcile"
	"github.com/alexandremahdhaoui/virtbridge/internal/worker"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"
)

const (
	TaskInventory     = "inventory"
	TaskDomain        = "domain"
	TaskPerformance   = "performance"
	TaskDisconnectCd  = "disconnect-cd"
	TaskProblemReport = "problem-report"

	panicReason = "guest panicked"
	unset       = -1
)

var (
	ErrInvalidInterval = errors.New("performance interval must be positive")

	errDeregister = errors.New("cannot deregister domain events")

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "subscriber",
		Name:      "domain_events_total",
		Help:      "Number of domain events received by event and detail.",
	}, []string{"event", "detail"})

	subscribedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "subscriber",
		Name:      "subscriptions",
		Help:      "Number of domain event subscriptions currently registered.",
	})
)

// Submitter runs tasks in the background. worker.Pool implements it.
type Submitter interface {
	Submit(name string, task worker.Task) bool
}

type Options struct {
	// PerformanceInterval is the period of the performance poll.
	PerformanceInterval time.Duration
}

// registration is one of the domain event subscriptions held per connection.
type registration struct {
	name     string
	register func(conn hypervisor.Conn) (int, error)
}

type Subscriber struct {
	log        logr.Logger
	clock      clock.WithTicker
	coarse     *model.Coarse
	reconciler *reconcile.Reconciler
	tasks      Submitter
	opts       Options

	registrations []registration
	polling       atomic.Bool

	mu       sync.Mutex
	conn     hypervisor.Conn
	ids      []int
	stopPoll chan struct{}
	pollDone chan struct{}
}

var _ link.Listener = &Subscriber{}

func New(
	log logr.Logger,
	clk clock.WithTicker,
	coarse *model.Coarse,
	reconciler *reconcile.Reconciler,
	tasks Submitter,
	opts Options,
) (*Subscriber, error) {
	if opts.PerformanceInterval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, opts.PerformanceInterval)
	}

	s := &Subscriber{
		log:        log.WithName("subscriber"),
		clock:      clk,
		coarse:     coarse,
		reconciler: reconciler,
		tasks:      tasks,
		opts:       opts,
	}

	// Each handler keeps the connection it was registered on, so tasks they
	// start never run against a later connection.
	s.registrations = []registration{
		{"lifecycle", func(c hypervisor.Conn) (int, error) { return c.OnLifecycle(s.onLifecycle(c)) }},
		{"reboot", func(c hypervisor.Conn) (int, error) { return c.OnReboot(s.onRunning("reboot")) }},
		{"pm-wakeup", func(c hypervisor.Conn) (int, error) { return c.OnPMWakeup(s.onRunning("pm-wakeup")) }},
		{"device-added", func(c hypervisor.Conn) (int, error) { return c.OnDeviceAdded(s.onDevice(c, "device-added")) }},
		{"device-removed", func(c hypervisor.Conn) (int, error) { return c.OnDeviceRemoved(s.onDevice(c, "device-removed")) }},
		{"tray-change", func(c hypervisor.Conn) (int, error) { return c.OnTrayChange(s.onTrayChange) }},
	}
	s.ids = s.unsetIDs()

	return s, nil
}

// Current returns the connection in use, or nil while disconnected.
func (s *Subscriber) Current() hypervisor.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

// IDs returns the subscription ids in registration order. They are all -1
// while no subscription is held.
func (s *Subscriber) IDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.ids...)
}

// ---------------------------------------------------------------- LINK LISTENER ------------------------------------- //

// Connected subscribes to the domain events of conn, starts the performance
// poll and schedules a full inventory.
func (s *Subscriber) Connected(conn hypervisor.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.log.Error(errors.New("connected twice"), "dropping previous connection state")
		s.release()
	}

	s.conn = conn
	s.subscribe(conn)
	s.startPoll(conn)

	s.tasks.Submit(TaskInventory, func(ctx context.Context) error {
		return s.reconciler.Inventory(ctx, conn)
	})
}

// Disconnected stops the performance poll and drops every subscription. It
// runs on the goroutine reporting the disconnection.
func (s *Subscriber) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}

	s.release()
}

func (s *Subscriber) release() {
	s.stopPolling()

	var errs []error
	for i, id := range s.ids {
		if id < 0 {
			continue
		}

		if err := s.conn.Deregister(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.registrations[i].name, err))
		}
	}

	if agg := utilerrors.NewAggregate(errs); agg != nil {
		s.log.V(1).Info("domain events not deregistered", "err", errors.Join(errDeregister, agg).Error())
	}

	s.ids = s.unsetIDs()
	s.conn = nil
	subscribedGauge.Set(0)
}

// subscribe registers every domain event handler. On failure the ones
// already registered are rolled back and every id stays -1.
func (s *Subscriber) subscribe(conn hypervisor.Conn) {
	ids := s.unsetIDs()

	for i, reg := range s.registrations {
		id, err := reg.register(conn)
		if err == nil && id >= 0 {
			ids[i] = id
			continue
		}

		s.log.Error(err, "cannot subscribe to domain events", "event", reg.name)

		for j := range i {
			if err := conn.Deregister(ids[j]); err != nil {
				s.log.V(1).Info("cannot roll back subscription", "event", s.registrations[j].name, "err", err.Error())
			}
		}

		return
	}

	s.ids = ids
	subscribedGauge.Set(float64(len(ids)))
	s.log.Info("subscribed to domain events", "ids", ids)
}

func (s *Subscriber) unsetIDs() []int {
	ids := make([]int, len(s.registrations))
	for i := range ids {
		ids[i] = unset
	}

	return ids
}

// ---------------------------------------------------------------- PERFORMANCE POLL ---------------------------------- //

func (s *Subscriber) startPoll(conn hypervisor.Conn) {
	ticker := s.clock.NewTicker(s.opts.PerformanceInterval)
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopPoll, s.pollDone = stop, done

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
			}

			select {
			case <-stop:
				return
			default:
			}

			s.pollPerformance(conn)
		}
	}()
}

func (s *Subscriber) stopPolling() {
	if s.stopPoll == nil {
		return
	}

	close(s.stopPoll)
	<-s.pollDone
	s.stopPoll, s.pollDone = nil, nil
}

// pollPerformance submits a performance task unless the previous one is
// still running.
func (s *Subscriber) pollPerformance(conn hypervisor.Conn) {
	if !s.polling.CompareAndSwap(false, true) {
		s.log.V(1).Info("previous performance poll still running, skipping tick")
		return
	}

	ok := s.tasks.Submit(TaskPerformance, func(ctx context.Context) error {
		defer s.polling.Store(false)
		return s.reconciler.Performance(ctx, conn)
	})
	if !ok {
		s.polling.Store(false)
	}
}

// ---------------------------------------------------------------- HANDLERS ------------------------------------------ //

// Handlers run on the hypervisor's event goroutine. They never take s.mu.

func (s *Subscriber) guard(event string, ref hypervisor.DomainRef) {
	if rec := recover(); rec != nil {
		s.log.Error(fmt.Errorf("%v", rec), "domain event handler panicked", "event", event, "uuid", ref.UUID)
	}
}

func (s *Subscriber) onLifecycle(conn hypervisor.Conn) hypervisor.LifecycleHandler {
	return func(ref hypervisor.DomainRef, ev hypervisor.LifecycleEvent) {
		defer s.guard("lifecycle", ref)

		eventsTotal.WithLabelValues(ev.Kind.String(), ev.Detail.String()).Inc()

		action := Plan(ev)
		s.log.V(1).Info("lifecycle event",
			"uuid", ref.UUID,
			"name", ref.Name,
			"event", ev.Kind.String(),
			"detail", ev.Detail.String(),
			"op", action.Op.String())

		// Track the domain before applying the event so it reaches new domains too.
		var d *model.Domain
		if action.Reconcile {
			d = s.coarse.Access(ref)
		}

		switch action.Op {
		case OpSetState:
			s.coarse.SetState(ref, action.State)
		case OpPrepareToSwitch:
			s.coarse.PrepareToSwitch(ref)
		case OpRemove:
			s.coarse.Remove(ref)
		}

		if action.Report {
			s.tasks.Submit(TaskProblemReport, func(ctx context.Context) error {
				return s.coarse.SendProblemReport(ctx, ref, panicReason)
			})
		}

		if d != nil {
			s.reconcile(conn, ref, d)
		}
	}
}

func (s *Subscriber) onRunning(event string) hypervisor.DomainHandler {
	return func(ref hypervisor.DomainRef) {
		defer s.guard(event, ref)

		eventsTotal.WithLabelValues(event, "").Inc()
		s.coarse.SetState(ref, hypervisor.StateRunning)
	}
}

func (s *Subscriber) onDevice(conn hypervisor.Conn, event string) hypervisor.DeviceHandler {
	return func(ref hypervisor.DomainRef, alias string) {
		defer s.guard(event, ref)

		eventsTotal.WithLabelValues(event, "").Inc()
		s.log.V(1).Info("device event", "uuid", ref.UUID, "event", event, "alias", alias)

		if d := s.coarse.Access(ref); d != nil {
			s.reconcile(conn, ref, d)
		}
	}
}

func (s *Subscriber) onTrayChange(ref hypervisor.DomainRef, alias string, opened bool) {
	defer s.guard("tray-change", ref)

	eventsTotal.WithLabelValues("tray-change", "").Inc()
	if !opened {
		return
	}

	s.tasks.Submit(TaskDisconnectCd, func(ctx context.Context) error {
		return s.coarse.DisconnectCd(ctx, ref.UUID, alias)
	})
}

// reconcile schedules a reconciliation holding only a weak reference to d, so
// a domain removed meanwhile is not brought back.
func (s *Subscriber) reconcile(conn hypervisor.Conn, ref hypervisor.DomainRef, d *model.Domain) {
	weak := d.Weak()

	s.tasks.Submit(TaskDomain, func(ctx context.Context) error {
		return s.reconciler.Domain(ctx, conn, ref.UUID, weak)
	})
}
