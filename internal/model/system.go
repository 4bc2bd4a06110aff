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

// Package model tracks the VMs known to the hypervisor and forwards their
// state, configuration and usage to per-VM state machines.
package model

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	errResolveOwner = errors.New("cannot resolve default owner")
	errStateMachine = errors.New("cannot create state machine")

	domainsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "model",
		Name:      "domains",
		Help:      "Number of VMs tracked by the model.",
	})
)

// System is the set of tracked VMs, keyed by uuid.
type System struct {
	log     logr.Logger
	owners  OwnerResolver
	factory StateMachineFactory

	mu      sync.RWMutex
	domains map[string]*Domain
}

// NewSystem returns an empty System.
func NewSystem(log logr.Logger, owners OwnerResolver, factory StateMachineFactory) *System {
	return &System{
		log:     log.WithName("model"),
		owners:  owners,
		factory: factory,
		domains: make(map[string]*Domain),
	}
}

// Add starts tracking uuid. It returns nil when uuid is empty, already
// tracked, or when no owner or state machine could be obtained for it.
// Collaborators are called with the System locked and must not call back
// into it.
func (s *System) Add(uuid string) *Domain {
	if strings.TrimSpace(uuid) == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.domains[uuid]; ok {
		return nil
	}

	owner, err := s.owners.DefaultOwner(uuid)
	if err != nil {
		s.log.Error(errors.Join(errResolveOwner, err), "cannot track domain", "uuid", uuid)
		return nil
	}

	machine, err := s.factory.New(uuid, owner)
	if err != nil {
		s.log.Error(errors.Join(errStateMachine, err), "cannot track domain", "uuid", uuid)
		return nil
	}

	d := newDomain(s.log, uuid, owner, machine)
	s.domains[uuid] = d
	domainsGauge.Set(float64(len(s.domains)))
	s.log.V(1).Info("tracking domain", "uuid", uuid, "owner", owner.Name)

	return d
}

// Ensure returns the proxy of uuid, adding it if needed.
func (s *System) Ensure(uuid string) *Domain {
	if d := s.Add(uuid); d != nil {
		return d
	}

	return s.Find(uuid)
}

// Find returns the proxy of uuid or nil.
func (s *System) Find(uuid string) *Domain {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.domains[uuid]
}

// Remove drives the proxy of uuid to Unknown and stops tracking it. It
// reports whether uuid was tracked.
func (s *System) Remove(uuid string) bool {
	s.mu.Lock()
	d, ok := s.domains[uuid]
	if ok {
		d.SetState(hypervisor.StateUnknown)
		delete(s.domains, uuid)
		domainsGauge.Set(float64(len(s.domains)))
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	d.close()
	s.log.V(1).Info("stopped tracking domain", "uuid", uuid)

	return true
}

// UUIDs returns the uuids of every tracked VM.
func (s *System) UUIDs() sets.Set[string] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sets.KeySet(s.domains)
}

// Domains returns every tracked proxy ordered by uuid.
func (s *System) Domains() []*Domain {
	s.mu.RLock()
	out := make([]*Domain, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, d)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Domain) int { return strings.Compare(a.uuid, b.uuid) })

	return out
}

// Close stops every proxy. Updates already posted are still applied.
func (s *System) Close() {
	s.mu.Lock()
	domains := s.domains
	s.domains = make(map[string]*Domain)
	domainsGauge.Set(0)
	s.mu.Unlock()

	for _, d := range domains {
		d.close()
	}
}
