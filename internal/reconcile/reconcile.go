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

// Package reconcile pulls configuration, state and usage from the hypervisor
// and pushes them into the model.
//
// Every task takes the connection it runs against explicitly. A task whose
// connection was closed in the meantime fails its first fetch and returns.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

var (
	errListDomains  = errors.New("cannot list domains")
	errLookupDomain = errors.New("cannot look up domain")
	errFetchState   = errors.New("cannot fetch domain state")
	errFetchConfig  = errors.New("cannot fetch domain configuration")
	errFetchUsage   = errors.New("cannot fetch domain performance")

	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "reconcile",
		Name:      "pushes_total",
		Help:      "Number of updates pushed into domain proxies by kind.",
	}, []string{"kind"})

	abandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "reconcile",
		Name:      "abandoned_total",
		Help:      "Number of reconciliations abandoned because the domain left the model.",
	})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "reconcile",
		Name:      "pruned_total",
		Help:      "Number of model entries removed because the hypervisor no longer reports them.",
	})
)

type Reconciler struct {
	log     logr.Logger
	clock   clock.PassiveClock
	system  *model.System
	network *NetworkImport
}

// New returns a Reconciler. network may be nil to skip the network import.
func New(log logr.Logger, clk clock.PassiveClock, system *model.System, network *NetworkImport) *Reconciler {
	return &Reconciler{
		log:     log.WithName("reconcile"),
		clock:   clk,
		system:  system,
		network: network,
	}
}

// ---------------------------------------------------------------- DOMAIN -------------------------------------------- //

// Domain reconciles the VM identified by uuid into the proxy behind ref. It
// returns nil without fetching anything once the proxy left the model.
func (r *Reconciler) Domain(ctx context.Context, conn hypervisor.Conn, uuid string, ref model.Ref) error {
	if ref.Get() == nil {
		abandonedTotal.Inc()
		r.log.V(1).Info("domain left the model, abandoning", "uuid", uuid)
		return nil
	}

	dom, err := conn.LookupDomain(uuid)
	if err != nil {
		return errors.Join(errLookupDomain, fmt.Errorf("%s: %w", uuid, err))
	}
	defer dom.Free()

	return r.sync(ctx, dom, uuid, ref)
}

// sync fetches state and configuration and pushes whatever was obtained.
func (r *Reconciler) sync(_ context.Context, dom hypervisor.Domain, uuid string, ref model.Ref) error {
	log := r.log.WithValues("uuid", uuid)

	var errs []error

	state, stateErr := dom.State()
	if stateErr != nil {
		errs = append(errs, errors.Join(errFetchState, stateErr))
	}

	cfg, cfgErr := dom.Config(false)
	if cfgErr != nil {
		errs = append(errs, errors.Join(errFetchConfig, cfgErr))
	}

	// Running and paused domains carry runtime values in their live config.
	if cfgErr == nil && stateErr == nil && (state == hypervisor.StateRunning || state == hypervisor.StatePaused) {
		if live, err := dom.Config(true); err != nil {
			log.V(1).Info("cannot fetch live configuration, keeping the persistent one", "err", err.Error())
		} else if merged, err := Revise(cfg, live); err != nil {
			log.Error(err, "cannot revise configuration")
		} else {
			cfg = merged
		}
	}

	// The proxy may have been removed while fetching.
	d := ref.Get()
	if d == nil {
		abandonedTotal.Inc()
		log.V(1).Info("domain left the model, abandoning")
		return nil
	}

	if cfgErr == nil {
		if d.SetConfig(cfg) {
			pushesTotal.WithLabelValues("config").Inc()
		} else {
			log.V(1).Info("configuration push dropped")
		}
	}

	if stateErr == nil {
		if d.SetState(state) {
			pushesTotal.WithLabelValues("state").Inc()
		} else {
			log.V(1).Info("state push dropped", "state", state)
		}
	}

	return errors.Join(errs...)
}

// ---------------------------------------------------------------- INVENTORY ----------------------------------------- //

// Inventory reconciles every domain the hypervisor knows, drops model
// entries it no longer reports, then runs the network import.
func (r *Reconciler) Inventory(ctx context.Context, conn hypervisor.Conn) error {
	// Entries added by events while listing are not candidates for pruning.
	tracked := r.system.UUIDs()

	domains, err := conn.ListDomains()
	if err != nil {
		return errors.Join(errListDomains, err)
	}

	var errs []error
	seen := sets.New[string]()

	for _, dom := range domains {
		uuid, err := dom.UUID()
		if err != nil {
			errs = append(errs, err)
			dom.Free()
			continue
		}

		seen.Insert(uuid)

		d := r.system.Ensure(uuid)
		if d == nil {
			dom.Free()
			continue
		}

		if err := r.sync(ctx, dom, uuid, d.Weak()); err != nil {
			errs = append(errs, err)
		}
		dom.Free()
	}

	for _, uuid := range sets.List(tracked.Difference(seen)) {
		if r.system.Remove(uuid) {
			prunedTotal.Inc()
			r.log.Info("domain no longer reported by the hypervisor", "uuid", uuid)
		}
	}

	r.log.Info("inventory synchronized", "domains", seen.Len())

	if r.network != nil {
		if err := r.network.Run(ctx, conn); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ---------------------------------------------------------------- PERFORMANCE --------------------------------------- //

// Performance forwards the usage counters of every running, tracked domain.
func (r *Reconciler) Performance(_ context.Context, conn hypervisor.Conn) error {
	domains, err := conn.ListDomains()
	if err != nil {
		return errors.Join(errListDomains, err)
	}

	var errs []error

	for _, dom := range domains {
		if err := r.sample(dom); err != nil {
			errs = append(errs, err)
		}
		dom.Free()
	}

	return errors.Join(errs...)
}

func (r *Reconciler) sample(dom hypervisor.Domain) error {
	uuid, err := dom.UUID()
	if err != nil {
		return err
	}

	d := r.system.Find(uuid)
	if d == nil {
		return nil
	}

	state, err := dom.State()
	if err != nil {
		return errors.Join(errFetchState, err)
	}

	if state != hypervisor.StateRunning {
		return nil
	}

	perf, err := dom.Performance()
	if err != nil {
		return errors.Join(errFetchUsage, fmt.Errorf("%s: %w", uuid, err))
	}

	if d.SetUsage(types.Usage{
		CPUTime:            time.Duration(perf.CPUTimeNs),
		MemoryActualKiB:    perf.MemoryActualKiB,
		MemoryUnusedKiB:    perf.MemoryUnusedKiB,
		MemoryAvailableKiB: perf.MemoryAvailableKiB,
		MemoryRSSKiB:       perf.MemoryRSSKiB,
		SampledAt:          r.clock.Now(),
	}) {
		pushesTotal.WithLabelValues("usage").Inc()
	}

	return nil
}
