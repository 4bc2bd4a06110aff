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

package reconcile

import (
	"errors"

	"libvirt.org/go/libvirtxml"
)

var (
	ErrNoBaseConfig = errors.New("base configuration is required")

	errCopyConfig = errors.New("cannot copy domain configuration")
)

// Revise returns a copy of base in which the fields only the hypervisor knows
// once a domain runs are taken from live. Every other field keeps the value of
// base. Revisable fields are:
//   - the runtime domain id;
//   - device aliases of disks (matched by target dev) and interfaces (matched by MAC);
//   - the inserted media of removable disks (cdrom and floppy);
//   - the host-side tap device of interfaces;
//   - the ports allocated to VNC and Spice graphics when autoport is on.
//
// Neither base nor live is modified.
func Revise(base, live *libvirtxml.Domain) (*libvirtxml.Domain, error) {
	if base == nil {
		return nil, ErrNoBaseConfig
	}

	out, err := deepCopy(base)
	if err != nil {
		return nil, err
	}

	if live == nil {
		return out, nil
	}

	if live.ID != nil {
		id := *live.ID
		out.ID = &id
	}

	if out.Devices == nil || live.Devices == nil {
		return out, nil
	}

	reviseDisks(out.Devices.Disks, live.Devices.Disks)
	reviseInterfaces(out.Devices.Interfaces, live.Devices.Interfaces)
	reviseGraphics(out.Devices.Graphics, live.Devices.Graphics)

	return out, nil
}

func reviseDisks(dst, live []libvirtxml.DomainDisk) {
	byDev := make(map[string]*libvirtxml.DomainDisk, len(live))
	for i := range live {
		if live[i].Target != nil && live[i].Target.Dev != "" {
			byDev[live[i].Target.Dev] = &live[i]
		}
	}

	for i := range dst {
		disk := &dst[i]
		if disk.Target == nil {
			continue
		}

		src, ok := byDev[disk.Target.Dev]
		if !ok {
			continue
		}

		if src.Alias != nil {
			disk.Alias = &libvirtxml.DomainAlias{Name: src.Alias.Name}
		}

		if isRemovable(disk) {
			// live media reflects the tray, the persistent one the last definition
			disk.Source = copySource(src.Source)
		}
	}
}

func isRemovable(disk *libvirtxml.DomainDisk) bool {
	return disk.Device == "cdrom" || disk.Device == "floppy"
}

func copySource(src *libvirtxml.DomainDiskSource) *libvirtxml.DomainDiskSource {
	if src == nil {
		return nil
	}

	// only the file and block variants carry a path worth adopting
	out := &libvirtxml.DomainDiskSource{}
	if src.File != nil {
		out.File = &libvirtxml.DomainDiskSourceFile{File: src.File.File}
	}
	if src.Block != nil {
		out.Block = &libvirtxml.DomainDiskSourceBlock{Dev: src.Block.Dev}
	}
	if out.File == nil && out.Block == nil {
		return nil
	}

	return out
}

func reviseInterfaces(dst, live []libvirtxml.DomainInterface) {
	byMAC := make(map[string]*libvirtxml.DomainInterface, len(live))
	for i := range live {
		if live[i].MAC != nil && live[i].MAC.Address != "" {
			byMAC[live[i].MAC.Address] = &live[i]
		}
	}

	for i := range dst {
		iface := &dst[i]
		if iface.MAC == nil {
			continue
		}

		src, ok := byMAC[iface.MAC.Address]
		if !ok {
			continue
		}

		if src.Alias != nil {
			iface.Alias = &libvirtxml.DomainAlias{Name: src.Alias.Name}
		}

		if src.Target != nil {
			iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: src.Target.Dev, Managed: src.Target.Managed}
		}
	}
}

func reviseGraphics(dst, live []libvirtxml.DomainGraphic) {
	var liveVNC *libvirtxml.DomainGraphicVNC
	var liveSpice *libvirtxml.DomainGraphicSpice

	for i := range live {
		if live[i].VNC != nil && liveVNC == nil {
			liveVNC = live[i].VNC
		}
		if live[i].Spice != nil && liveSpice == nil {
			liveSpice = live[i].Spice
		}
	}

	for i := range dst {
		if vnc := dst[i].VNC; vnc != nil && liveVNC != nil && vnc.AutoPort == "yes" {
			vnc.Port = liveVNC.Port
			vnc.WebSocket = liveVNC.WebSocket
		}

		if spice := dst[i].Spice; spice != nil && liveSpice != nil && spice.AutoPort == "yes" {
			spice.Port = liveSpice.Port
			spice.TLSPort = liveSpice.TLSPort
		}
	}
}

func deepCopy(in *libvirtxml.Domain) (*libvirtxml.Domain, error) {
	doc, err := in.Marshal()
	if err != nil {
		return nil, errors.Join(errCopyConfig, err)
	}

	out := &libvirtxml.Domain{}
	if err := out.Unmarshal(doc); err != nil {
		return nil, errors.Join(errCopyConfig, err)
	}

	return out, nil
}
