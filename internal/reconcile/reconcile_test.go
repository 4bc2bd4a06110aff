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

package reconcile_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/reconcile"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/mocks/mockmodel"
	"github.com/alexandremahdhaoui/virtbridge/internal/vmstate"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"libvirt.org/go/libvirtxml"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	hv         *hypervisorfake.Hypervisor
	conn       hypervisor.Conn
	clk        *clocktesting.FakeClock
	machines   *vmstate.Factory
	system     *model.System
	reconciler *reconcile.Reconciler
	markerDir  string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	owners := mockmodel.NewMockOwnerResolver(t)
	owners.On("DefaultOwner", mock.Anything).Return(types.Owner{Name: "alice", UID: 1000}, nil).Maybe()

	f := &fixture{
		hv:        hypervisorfake.New(),
		clk:       clocktesting.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		markerDir: t.TempDir(),
	}

	f.machines = vmstate.NewFactory(logr.Discard(), f.clk)
	f.system = model.NewSystem(logr.Discard(), owners, f.machines)
	t.Cleanup(f.system.Close)

	network := reconcile.NewNetworkImport(logr.Discard(), filepath.Join(f.markerDir, "networks.yaml"))
	f.reconciler = reconcile.New(logr.Discard(), f.clk, f.system, network)

	conn, err := f.hv.Connect("test:///default")
	require.NoError(t, err)
	f.conn = conn

	return f
}

// snapshot waits until cond holds for the machine of uuid.
func (f *fixture) snapshot(t *testing.T, uuid string, cond func(vmstate.Snapshot) bool) vmstate.Snapshot {
	t.Helper()

	var snap vmstate.Snapshot
	require.Eventually(t, func() bool {
		m, ok := f.machines.Get(uuid)
		if !ok {
			return false
		}
		snap = m.Snapshot()
		return cond(snap)
	}, waitFor, tick)

	return snap
}

func runningVM(uuid string) hypervisorfake.VM {
	id := 3
	live := &libvirtxml.Domain{
		Name: "vm-" + uuid,
		UUID: uuid,
		ID:   &id,
	}

	return hypervisorfake.VM{
		UUID:  uuid,
		Name:  "vm-" + uuid,
		State: hypervisor.StateRunning,
		Base:  &libvirtxml.Domain{Name: "vm-" + uuid, UUID: uuid},
		Live:  live,
		Perf: hypervisor.Performance{
			CPUTimeNs:    2 * uint64(time.Second),
			MemoryRSSKiB: 512,
		},
	}
}

func TestDomain(t *testing.T) {
	ctx := context.Background()

	t.Run("running domain gets revised config and state", func(t *testing.T) {
		f := setup(t)
		f.hv.Define(runningVM("a1-b2"))
		d := f.system.Add("a1-b2")
		require.NotNil(t, d)

		require.NoError(t, f.reconciler.Domain(ctx, f.conn, "a1-b2", d.Weak()))

		snap := f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool {
			return s.State == hypervisor.StateRunning && s.Config != nil
		})
		require.NotNil(t, snap.Config.ID)
		assert.Equal(t, 3, *snap.Config.ID)
	})

	t.Run("stopped domain keeps the persistent config", func(t *testing.T) {
		f := setup(t)
		vm := runningVM("a1-b2")
		vm.State = hypervisor.StateStopped
		f.hv.Define(vm)
		d := f.system.Add("a1-b2")

		require.NoError(t, f.reconciler.Domain(ctx, f.conn, "a1-b2", d.Weak()))

		snap := f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool {
			return s.State == hypervisor.StateStopped && s.Config != nil
		})
		assert.Nil(t, snap.Config.ID)
	})

	t.Run("config failure still pushes state", func(t *testing.T) {
		f := setup(t)
		vm := runningVM("a1-b2")
		vm.ConfigErr = hypervisorfake.ErrInjected
		f.hv.Define(vm)
		d := f.system.Add("a1-b2")

		err := f.reconciler.Domain(ctx, f.conn, "a1-b2", d.Weak())
		assert.ErrorIs(t, err, hypervisorfake.ErrInjected)

		snap := f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool {
			return s.State == hypervisor.StateRunning
		})
		assert.Nil(t, snap.Config)
	})

	t.Run("state failure still pushes config", func(t *testing.T) {
		f := setup(t)
		vm := runningVM("a1-b2")
		vm.StateErr = hypervisorfake.ErrInjected
		f.hv.Define(vm)
		d := f.system.Add("a1-b2")

		err := f.reconciler.Domain(ctx, f.conn, "a1-b2", d.Weak())
		assert.ErrorIs(t, err, hypervisorfake.ErrInjected)

		snap := f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool {
			return s.Config != nil
		})
		assert.Equal(t, hypervisor.StateUnknown, snap.State)
		// no live merge without a known state
		assert.Nil(t, snap.Config.ID)
	})

	t.Run("live config failure falls back to persistent config", func(t *testing.T) {
		f := setup(t)
		vm := runningVM("a1-b2")
		vm.LiveErr = hypervisorfake.ErrInjected
		f.hv.Define(vm)
		d := f.system.Add("a1-b2")

		require.NoError(t, f.reconciler.Domain(ctx, f.conn, "a1-b2", d.Weak()))

		snap := f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool {
			return s.State == hypervisor.StateRunning && s.Config != nil
		})
		assert.Nil(t, snap.Config.ID)
	})

	t.Run("removed domain is abandoned", func(t *testing.T) {
		f := setup(t)
		d := f.system.Add("a1-b2")
		ref := d.Weak()
		require.True(t, f.system.Remove("a1-b2"))

		// the VM is unknown to the hypervisor: any lookup would fail
		assert.NoError(t, f.reconciler.Domain(ctx, f.conn, "a1-b2", ref))
		assert.Nil(t, f.system.Find("a1-b2"))
	})

	t.Run("closed connection", func(t *testing.T) {
		f := setup(t)
		f.hv.Define(runningVM("a1-b2"))
		d := f.system.Add("a1-b2")
		require.NoError(t, f.conn.Close())

		err := f.reconciler.Domain(ctx, f.conn, "a1-b2", d.Weak())
		assert.ErrorIs(t, err, hypervisor.ErrConnClosed)
	})
}

func TestInventory(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.hv.Define(runningVM("a1-b2"))
	stopped := runningVM("c3-d4")
	stopped.State = hypervisor.StateStopped
	f.hv.Define(stopped)

	// tracked before but no longer defined
	stale := f.system.Add("e5-f6")
	require.NotNil(t, stale)

	require.NoError(t, f.reconciler.Inventory(ctx, f.conn))

	assert.Equal(t, []string{"a1-b2", "c3-d4"}, sortedUUIDs(f.system))
	f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool { return s.State == hypervisor.StateRunning })
	f.snapshot(t, "c3-d4", func(s vmstate.Snapshot) bool { return s.State == hypervisor.StateStopped })

	select {
	case <-stale.Done():
	case <-time.After(waitFor):
		t.Fatal("stale domain was not closed")
	}

	// default networks registered once
	require.Len(t, f.hv.Networks(), 2)
	assert.FileExists(t, filepath.Join(f.markerDir, "digested.networks.yaml"))

	t.Run("second run registers no network", func(t *testing.T) {
		require.NoError(t, f.reconciler.Inventory(ctx, f.conn))
		assert.Len(t, f.hv.Networks(), 2)
		assert.Equal(t, []string{"a1-b2", "c3-d4"}, sortedUUIDs(f.system))
	})

	t.Run("list failure", func(t *testing.T) {
		conn, err := f.hv.Connect("test:///default")
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		assert.ErrorIs(t, f.reconciler.Inventory(ctx, conn), hypervisor.ErrConnClosed)
		assert.Len(t, f.system.Domains(), 2)
	})
}

func TestPerformance(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.hv.Define(runningVM("a1-b2"))
	stopped := runningVM("c3-d4")
	stopped.State = hypervisor.StateStopped
	f.hv.Define(stopped)
	f.hv.Define(runningVM("untracked"))

	require.NotNil(t, f.system.Add("a1-b2"))
	require.NotNil(t, f.system.Add("c3-d4"))

	require.NoError(t, f.reconciler.Performance(ctx, f.conn))

	snap := f.snapshot(t, "a1-b2", func(s vmstate.Snapshot) bool { return !s.Usage.SampledAt.IsZero() })
	assert.Equal(t, 2*time.Second, snap.Usage.CPUTime)
	assert.Equal(t, uint64(512), snap.Usage.MemoryRSSKiB)
	assert.Equal(t, f.clk.Now(), snap.Usage.SampledAt)

	m, ok := f.machines.Get("c3-d4")
	require.True(t, ok)
	assert.True(t, m.Snapshot().Usage.SampledAt.IsZero())

	assert.Nil(t, f.system.Find("untracked"))
}

func TestPerformance_FetchFailure(t *testing.T) {
	f := setup(t)

	vm := runningVM("a1-b2")
	vm.PerfErr = hypervisorfake.ErrInjected
	f.hv.Define(vm)
	require.NotNil(t, f.system.Add("a1-b2"))

	assert.ErrorIs(t, f.reconciler.Performance(context.Background(), f.conn), hypervisorfake.ErrInjected)
}

func sortedUUIDs(s *model.System) []string {
	out := []string{}
	for _, d := range s.Domains() {
		out = append(out, d.UUID())
	}

	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
