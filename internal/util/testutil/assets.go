// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testutil

import (
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

const (
	DiskAlias      = "virtio-disk0"
	CdromAlias     = "sata0-0-0"
	InterfaceAlias = "net0"

	DiskPath  = "/var/lib/virtbridge/vms/disk.qcow2"
	CdromPath = "/var/lib/virtbridge/isos/install.iso"
	MAC       = "52:54:00:12:34:56"

	memoryMiB = 2048
	liveID    = 12
	vncPort   = 5903
	tapDevice = "vnet7"
)

// NewDomainConfig returns the persistent configuration of a domain with a
// disk, a cdrom, a NAT interface and an autoport VNC display.
func NewDomainConfig(uuid string) *libvirtxml.Domain {
	return &libvirtxml.Domain{
		Type:   "kvm",
		Name:   "vm-" + uuid,
		UUID:   uuid,
		Memory: &libvirtxml.DomainMemory{Value: memoryMiB, Unit: "MiB"},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: DiskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: CdromPath},
					},
					Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{Address: MAC},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "shared"},
					},
					Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{VNC: &libvirtxml.DomainGraphicVNC{Port: -1, AutoPort: "yes"}},
			},
		},
	}
}

// NewLiveDomainConfig returns the configuration of the same domain as seen
// while it runs: runtime id, aliases, tap device and VNC port are set.
func NewLiveDomainConfig(uuid string) *libvirtxml.Domain {
	cfg := NewDomainConfig(uuid)
	cfg.ID = ptr.To(liveID)

	cfg.Devices.Disks[0].Alias = &libvirtxml.DomainAlias{Name: DiskAlias}
	cfg.Devices.Disks[1].Alias = &libvirtxml.DomainAlias{Name: CdromAlias}
	cfg.Devices.Disks[1].Target.Tray = "closed"

	cfg.Devices.Interfaces[0].Alias = &libvirtxml.DomainAlias{Name: InterfaceAlias}
	cfg.Devices.Interfaces[0].Target = &libvirtxml.DomainInterfaceTarget{Dev: tapDevice}

	cfg.Devices.Graphics[0].VNC.Port = vncPort

	return cfg
}
