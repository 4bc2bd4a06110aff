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

// Package vmstate provides the default per-VM state machine: it keeps the
// last known state, configuration and usage of a VM, exports them as
// metrics and notifies observers of every state change.
package vmstate

import (
	"sync"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"
	"libvirt.org/go/libvirtxml"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "domain",
		Name:      "state",
		Help:      "Current state of a VM (0 unknown, 1 stopped, 2 running, 3 paused, 4 suspended).",
	}, []string{"uuid", "owner"})

	cpuSecondsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "domain",
		Name:      "cpu_seconds",
		Help:      "Cumulative CPU time consumed by a VM.",
	}, []string{"uuid", "owner"})

	memoryRSSGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "domain",
		Name:      "memory_rss_bytes",
		Help:      "Resident set size of a VM.",
	}, []string{"uuid", "owner"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "domain",
		Name:      "transitions_total",
		Help:      "Number of state changes applied to VMs.",
	}, []string{"to"})
)

// Observer is notified of every state applied to a machine, including
// repeated ones.
type Observer func(uuid string, from, to hypervisor.State)

// Snapshot is a point-in-time copy of a machine.
type Snapshot struct {
	UUID          string
	Owner         types.Owner
	State         hypervisor.State
	Config        *libvirtxml.Domain
	PendingSwitch bool
	Usage         types.Usage
	UpdatedAt     time.Time
}

// Machine is the default model.StateMachine.
type Machine struct {
	log   logr.Logger
	clock clock.PassiveClock

	mu        sync.RWMutex
	snap      Snapshot
	observers []Observer
}

var (
	_ model.StateMachine = &Machine{}
	_ model.UsageSink    = &Machine{}
)

// NewMachine returns a machine in the Unknown state.
func NewMachine(log logr.Logger, clk clock.PassiveClock, uuid string, owner types.Owner) *Machine {
	return &Machine{
		log:   log.WithValues("uuid", uuid),
		clock: clk,
		snap: Snapshot{
			UUID:      uuid,
			Owner:     owner,
			State:     hypervisor.StateUnknown,
			UpdatedAt: clk.Now(),
		},
	}
}

// Subscribe registers obs for every later state change.
func (m *Machine) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, obs)
}

func (m *Machine) labels() prometheus.Labels {
	return prometheus.Labels{"uuid": m.snap.UUID, "owner": m.snap.Owner.Name}
}

func (m *Machine) SetState(state hypervisor.State) {
	m.mu.Lock()
	from := m.snap.State
	m.snap.State = state
	m.snap.UpdatedAt = m.clock.Now()
	observers := append([]Observer(nil), m.observers...)
	labels := m.labels()
	m.mu.Unlock()

	transitionsTotal.WithLabelValues(state.String()).Inc()

	if state == hypervisor.StateUnknown {
		stateGauge.Delete(labels)
		cpuSecondsGauge.Delete(labels)
		memoryRSSGauge.Delete(labels)
	} else {
		stateGauge.With(labels).Set(float64(state))
	}

	if from != state {
		m.log.V(1).Info("state changed", "from", from.String(), "to", state.String())
	}

	for _, obs := range observers {
		obs(labels["uuid"], from, state)
	}
}

func (m *Machine) SetConfig(cfg *libvirtxml.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap.Config = cfg
	m.snap.PendingSwitch = false
	m.snap.UpdatedAt = m.clock.Now()
}

func (m *Machine) PrepareToSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap.PendingSwitch = true
	m.snap.UpdatedAt = m.clock.Now()
}

func (m *Machine) SetUsage(usage types.Usage) {
	m.mu.Lock()
	m.snap.Usage = usage
	labels := m.labels()
	m.mu.Unlock()

	cpuSecondsGauge.With(labels).Set(usage.CPUTime.Seconds())
	memoryRSSGauge.With(labels).Set(float64(usage.MemoryRSSKiB * 1024))
}

// Snapshot returns a copy of the machine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snap
}

// ---------------------------------------------------------------- FACTORY ------------------------------------------- //

// Factory builds machines and keeps track of them for inspection.
type Factory struct {
	log       logr.Logger
	clock     clock.PassiveClock
	observers []Observer

	mu       sync.RWMutex
	machines map[string]*Machine
}

var _ model.StateMachineFactory = &Factory{}

// NewFactory returns a Factory subscribing observers to every machine.
func NewFactory(log logr.Logger, clk clock.PassiveClock, observers ...Observer) *Factory {
	return &Factory{
		log:       log.WithName("vmstate"),
		clock:     clk,
		observers: observers,
		machines:  make(map[string]*Machine),
	}
}

func (f *Factory) New(uuid string, owner types.Owner) (model.StateMachine, error) {
	m := NewMachine(f.log, f.clock, uuid, owner)
	for _, obs := range f.observers {
		m.Subscribe(obs)
	}

	// Forget the machine once it reached the terminal state.
	m.Subscribe(func(uuid string, _, to hypervisor.State) {
		if to != hypervisor.StateUnknown {
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		if f.machines[uuid] == m {
			delete(f.machines, uuid)
		}
	})

	f.mu.Lock()
	f.machines[uuid] = m
	f.mu.Unlock()

	return m, nil
}

// Get returns the machine of uuid, if any.
func (f *Factory) Get(uuid string) (*Machine, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m, ok := f.machines[uuid]

	return m, ok
}

// Snapshots returns a snapshot of every live machine.
func (f *Factory) Snapshots() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Snapshot, 0, len(f.machines))
	for _, m := range f.machines {
		out = append(out, m.Snapshot())
	}

	return out
}
