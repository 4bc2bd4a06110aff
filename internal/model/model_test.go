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

package model_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/mocks/mockmodel"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"libvirt.org/go/libvirtxml"
)

const (
	vmUUID  = "a1-b2"
	waitFor = 5 * time.Second
)

var owner = types.Owner{Name: "alice", UID: 1000}

// machine records every call it receives, in order.
type machine struct {
	mu     sync.Mutex
	calls  []string
	states []hypervisor.State
	usage  []types.Usage
}

func (m *machine) SetState(state hypervisor.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "state:"+state.String())
	m.states = append(m.states, state)
}

func (m *machine) SetConfig(cfg *libvirtxml.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "config:"+cfg.Name)
}

func (m *machine) PrepareToSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "switch")
}

func (m *machine) SetUsage(u types.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, u)
}

func (m *machine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.calls...)
}

type fixture struct {
	owners   *mockmodel.MockOwnerResolver
	factory  *mockmodel.MockStateMachineFactory
	reporter *mockmodel.MockProblemReporter
	store    *mockmodel.MockConfigStore
	editor   *mockmodel.MockDeviceEditor
	clk      *clocktesting.FakeClock
	system   *model.System
	coarse   *model.Coarse
	machine  *machine
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		owners:   mockmodel.NewMockOwnerResolver(t),
		factory:  mockmodel.NewMockStateMachineFactory(t),
		reporter: mockmodel.NewMockProblemReporter(t),
		store:    mockmodel.NewMockConfigStore(t),
		editor:   mockmodel.NewMockDeviceEditor(t),
		clk:      clocktesting.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		machine:  &machine{},
	}

	f.system = model.NewSystem(logr.Discard(), f.owners, f.factory)
	f.coarse = model.NewCoarse(logr.Discard(), f.clk, f.system, f.reporter, f.store, f.editor)
	t.Cleanup(f.system.Close)

	return f
}

func (f *fixture) expectAdd(uuid string) {
	f.owners.On("DefaultOwner", uuid).Return(owner, nil).Once()
	f.factory.On("New", uuid, owner).Return(f.machine, nil).Once()
}

func TestSystem_Add(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)

		d := f.system.Add(vmUUID)
		require.NotNil(t, d)
		assert.Equal(t, vmUUID, d.UUID())
		assert.Equal(t, owner, d.Owner())

		assert.Nil(t, f.system.Add(vmUUID))
		assert.Same(t, d, f.system.Find(vmUUID))
		assert.Same(t, d, f.system.Ensure(vmUUID))
		assert.Equal(t, 1, f.system.UUIDs().Len())
	})

	t.Run("empty uuid", func(t *testing.T) {
		f := setup(t)

		assert.Nil(t, f.system.Add(""))
		assert.Nil(t, f.system.Add("  "))
		assert.Empty(t, f.system.Domains())
	})

	t.Run("owner cannot be resolved", func(t *testing.T) {
		f := setup(t)
		f.owners.On("DefaultOwner", vmUUID).Return(types.Owner{}, errors.New("no such user")).Once()

		assert.Nil(t, f.system.Add(vmUUID))
		assert.Nil(t, f.system.Find(vmUUID))
	})

	t.Run("state machine cannot be created", func(t *testing.T) {
		f := setup(t)
		f.owners.On("DefaultOwner", vmUUID).Return(owner, nil).Once()
		f.factory.On("New", vmUUID, owner).Return(nil, errors.New("boom")).Once()

		assert.Nil(t, f.system.Add(vmUUID))
		assert.Nil(t, f.system.Find(vmUUID))
	})

	t.Run("concurrent adds yield one proxy", func(t *testing.T) {
		f := setup(t)
		f.owners.On("DefaultOwner", vmUUID).Return(owner, nil)
		f.factory.On("New", vmUUID, owner).Return(func(string, types.Owner) model.StateMachine {
			return &machine{}
		}, nil)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			proxies = make(map[*model.Domain]struct{})
		)

		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d := f.system.Ensure(vmUUID)
				mu.Lock()
				proxies[d] = struct{}{}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, proxies, 1)
		assert.Equal(t, 1, f.system.UUIDs().Len())
	})
}

func TestSystem_Remove(t *testing.T) {
	t.Run("drives the proxy to unknown before it goes away", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)

		d := f.system.Add(vmUUID)
		require.NotNil(t, d)
		ref := d.Weak()

		require.True(t, d.SetState(hypervisor.StateRunning))
		require.True(t, f.system.Remove(vmUUID))

		select {
		case <-d.Done():
		case <-time.After(waitFor):
			t.Fatal("proxy was not closed")
		}

		assert.Equal(t, []string{"state:Running", "state:Unknown"}, f.machine.Calls())
		assert.Nil(t, f.system.Find(vmUUID))
		assert.Nil(t, ref.Get())
		assert.False(t, d.SetState(hypervisor.StateRunning))
	})

	t.Run("unknown uuid", func(t *testing.T) {
		f := setup(t)
		assert.False(t, f.system.Remove(vmUUID))
	})
}

func TestDomain_OrderAndUsage(t *testing.T) {
	f := setup(t)
	f.expectAdd(vmUUID)

	d := f.system.Add(vmUUID)
	require.NotNil(t, d)

	assert.True(t, d.SetConfig(&libvirtxml.Domain{Name: "vm1"}))
	assert.True(t, d.PrepareToSwitch())
	assert.True(t, d.SetState(hypervisor.StatePaused))
	assert.True(t, d.SetUsage(types.Usage{CPUTime: time.Second}))

	require.True(t, f.system.Remove(vmUUID))
	<-d.Done()

	assert.Equal(t, []string{"config:vm1", "switch", "state:Paused", "state:Unknown"}, f.machine.Calls())
	assert.Len(t, f.machine.usage, 1)
}

func TestCoarse(t *testing.T) {
	ref := hypervisor.DomainRef{UUID: vmUUID, Name: "vm1"}

	t.Run("untracked domain", func(t *testing.T) {
		f := setup(t)

		assert.False(t, f.coarse.SetState(ref, hypervisor.StateRunning))
		assert.False(t, f.coarse.PrepareToSwitch(ref))
		assert.False(t, f.coarse.Remove(ref))
	})

	t.Run("access tracks lazily", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)

		d := f.coarse.Access(ref)
		require.NotNil(t, d)
		assert.Same(t, d, f.coarse.Access(ref))
		assert.True(t, f.coarse.SetState(ref, hypervisor.StateRunning))
		assert.True(t, f.coarse.Remove(ref))

		<-d.Done()
		assert.Equal(t, []string{"state:Running", "state:Unknown"}, f.machine.Calls())
	})

	t.Run("problem report", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)
		require.NotNil(t, f.system.Add(vmUUID))

		f.reporter.On("Submit", mock.Anything, mock.MatchedBy(func(r types.ProblemReport) bool {
			return r.ID != "" &&
				r.DomainUUID == vmUUID &&
				r.DomainName == "vm1" &&
				r.Owner == owner.Name &&
				r.CreatedAt.Equal(f.clk.Now())
		})).Return(nil).Once()

		require.NoError(t, f.coarse.SendProblemReport(context.Background(), ref, "guest panicked"))
	})

	t.Run("problem report failure", func(t *testing.T) {
		f := setup(t)
		f.reporter.On("Submit", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

		assert.Error(t, f.coarse.SendProblemReport(context.Background(), ref, "guest panicked"))
	})
}

func cdromConfig() *libvirtxml.Domain {
	return &libvirtxml.Domain{
		Name: "vm1",
		UUID: vmUUID,
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Alias:  &libvirtxml.DomainAlias{Name: "virtio-disk0"},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
					Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: "/var/lib/vm1.qcow2"}},
				},
				{
					Device: "cdrom",
					Alias:  &libvirtxml.DomainAlias{Name: "sata0-0-0"},
					Target: &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
					Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: "/isos/install.iso"}},
				},
			},
		},
	}
}

func TestCoarse_DisconnectCd(t *testing.T) {
	ctx := context.Background()

	t.Run("ejects the medium", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)
		require.NotNil(t, f.system.Add(vmUUID))

		cfg := cdromConfig()
		f.store.On("Load", mock.Anything, vmUUID).Return(cfg, nil).Once()
		f.editor.On("SubmitDeviceChange", mock.Anything, vmUUID, mock.MatchedBy(func(d libvirtxml.DomainDisk) bool {
			return d.Device == "cdrom" &&
				d.Source == nil &&
				d.Target != nil && d.Target.Dev == "sda" && d.Target.Tray == "open"
		})).Return(nil).Once()

		require.NoError(t, f.coarse.DisconnectCd(ctx, vmUUID, "sata0-0-0"))

		// the loaded configuration is left untouched
		assert.NotNil(t, cfg.Devices.Disks[1].Source)
		assert.Empty(t, cfg.Devices.Disks[1].Target.Tray)
	})

	t.Run("unknown alias", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)
		require.NotNil(t, f.system.Add(vmUUID))

		f.store.On("Load", mock.Anything, vmUUID).Return(cdromConfig(), nil).Once()

		err := f.coarse.DisconnectCd(ctx, vmUUID, "virtio-disk0")
		assert.ErrorIs(t, err, model.ErrDeviceNotFound)
	})

	t.Run("untracked domain", func(t *testing.T) {
		f := setup(t)
		require.Nil(t, f.system.Find(vmUUID))

		f.store.On("Load", mock.Anything, vmUUID).Return(cdromConfig(), nil).Once()
		f.editor.On("SubmitDeviceChange", mock.Anything, vmUUID, mock.MatchedBy(func(d libvirtxml.DomainDisk) bool {
			return d.Source == nil && d.Target != nil && d.Target.Tray == "open"
		})).Return(nil).Once()

		require.NoError(t, f.coarse.DisconnectCd(ctx, vmUUID, "sata0-0-0"))
	})

	t.Run("load failure", func(t *testing.T) {
		f := setup(t)
		f.expectAdd(vmUUID)
		require.NotNil(t, f.system.Add(vmUUID))

		f.store.On("Load", mock.Anything, vmUUID).Return(nil, hypervisor.ErrConnClosed).Once()

		err := f.coarse.DisconnectCd(ctx, vmUUID, "sata0-0-0")
		assert.ErrorIs(t, err, hypervisor.ErrConnClosed)
	})
}
