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
	"testing"

	"github.com/alexandremahdhaoui/virtbridge/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func newBaseConfig() *libvirtxml.Domain {
	return &libvirtxml.Domain{
		Type:   "kvm",
		Name:   "vm-a",
		UUID:   "a1-b2",
		Memory: &libvirtxml.DomainMemory{Value: 2048, Unit: "MiB"},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: "/var/lib/vms/a.qcow2"},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
				},
				{
					Device: "cdrom",
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: "/isos/install.iso"},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{Address: "52:54:00:aa:bb:cc"},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "shared"},
					},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{VNC: &libvirtxml.DomainGraphicVNC{Port: -1, AutoPort: "yes"}},
			},
		},
	}
}

func mustMarshal(t *testing.T, cfg *libvirtxml.Domain) string {
	t.Helper()

	doc, err := cfg.Marshal()
	require.NoError(t, err)

	return doc
}

func TestRevise(t *testing.T) {
	t.Run("non revisable difference keeps base", func(t *testing.T) {
		base := newBaseConfig()
		live := newBaseConfig()
		live.Memory.Value = 4096
		live.Devices.Disks[0].Source.File.File = "/tmp/other.qcow2"

		merged, err := reconcile.Revise(base, live)
		require.NoError(t, err)
		assert.Equal(t, mustMarshal(t, base), mustMarshal(t, merged))
	})

	t.Run("revisable difference adopts live", func(t *testing.T) {
		base := newBaseConfig()
		want := mustMarshal(t, base)

		id := 7
		live := newBaseConfig()
		live.ID = &id
		live.Devices.Disks[0].Alias = &libvirtxml.DomainAlias{Name: "virtio-disk0"}
		live.Devices.Disks[1].Alias = &libvirtxml.DomainAlias{Name: "sata0-0-0"}
		live.Devices.Disks[1].Source = nil
		live.Devices.Interfaces[0].Alias = &libvirtxml.DomainAlias{Name: "net0"}
		live.Devices.Interfaces[0].Target = &libvirtxml.DomainInterfaceTarget{Dev: "vnet3"}
		live.Devices.Graphics[0].VNC.Port = 5901

		merged, err := reconcile.Revise(base, live)
		require.NoError(t, err)

		require.NotNil(t, merged.ID)
		assert.Equal(t, 7, *merged.ID)

		disks := merged.Devices.Disks
		assert.Equal(t, "virtio-disk0", disks[0].Alias.Name)
		assert.Equal(t, "/var/lib/vms/a.qcow2", disks[0].Source.File.File)
		assert.Equal(t, "sata0-0-0", disks[1].Alias.Name)
		assert.Nil(t, disks[1].Source)

		iface := merged.Devices.Interfaces[0]
		assert.Equal(t, "net0", iface.Alias.Name)
		assert.Equal(t, "vnet3", iface.Target.Dev)
		assert.Equal(t, 5901, merged.Devices.Graphics[0].VNC.Port)

		// inputs are untouched
		assert.Equal(t, want, mustMarshal(t, base))
	})

	t.Run("fixed graphics port is kept", func(t *testing.T) {
		base := newBaseConfig()
		base.Devices.Graphics[0].VNC = &libvirtxml.DomainGraphicVNC{Port: 5950, AutoPort: "no"}
		live := newBaseConfig()
		live.Devices.Graphics[0].VNC.Port = 5901

		merged, err := reconcile.Revise(base, live)
		require.NoError(t, err)
		assert.Equal(t, 5950, merged.Devices.Graphics[0].VNC.Port)
	})

	t.Run("unmatched live devices are ignored", func(t *testing.T) {
		base := newBaseConfig()
		live := newBaseConfig()
		live.Devices.Disks[0].Target.Dev = "vdb"
		live.Devices.Disks[0].Alias = &libvirtxml.DomainAlias{Name: "virtio-disk1"}
		live.Devices.Interfaces[0].MAC.Address = "52:54:00:00:00:01"
		live.Devices.Interfaces[0].Alias = &libvirtxml.DomainAlias{Name: "net1"}

		merged, err := reconcile.Revise(base, live)
		require.NoError(t, err)
		assert.Nil(t, merged.Devices.Disks[0].Alias)
		assert.Nil(t, merged.Devices.Interfaces[0].Alias)
	})

	t.Run("nil live copies base", func(t *testing.T) {
		base := newBaseConfig()

		merged, err := reconcile.Revise(base, nil)
		require.NoError(t, err)
		assert.NotSame(t, base, merged)
		assert.Equal(t, mustMarshal(t, base), mustMarshal(t, merged))
	})

	t.Run("nil base", func(t *testing.T) {
		_, err := reconcile.Revise(nil, newBaseConfig())
		assert.ErrorIs(t, err, reconcile.ErrNoBaseConfig)
	})
}
