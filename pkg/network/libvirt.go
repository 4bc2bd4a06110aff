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

package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrCheckNetwork        = errors.New("failed to check if network exists")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	ErrUnsupportedMode     = errors.New("unsupported network mode")
	ErrBridgeNameRequired  = errors.New("bridge name required for bridge mode")
)

// LibvirtNetworkManager registers virtual networks on a libvirt connection.
type LibvirtNetworkManager struct {
	conn *libvirt.Connect
}

// NewLibvirtNetworkManager creates a new LibvirtNetworkManager.
func NewLibvirtNetworkManager(conn *libvirt.Connect) *LibvirtNetworkManager {
	return &LibvirtNetworkManager{
		conn: conn,
	}
}

// LibvirtNetworkInfo contains information about a libvirt network.
type LibvirtNetworkInfo struct {
	Name       string
	BridgeName string
	Mode       types.NetworkMode
	IsActive   bool
	Autostart  bool
}

// Ensure defines, starts and autostarts the network.
// Idempotent - if the network exists, it only ensures it's active.
func (m *LibvirtNetworkManager) Ensure(ctx context.Context, vn types.VirtualNetwork) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if vn.Name == "" {
		return ErrNetworkNameRequired
	}

	info, err := m.Get(ctx, vn.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return err
	}
	if info != nil {
		return m.ensureNetworkActive(vn.Name)
	}

	networkXML, err := GenerateNetworkXML(vn)
	if err != nil {
		return err
	}

	network, err := m.conn.NetworkDefineXML(networkXML)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		_ = network.Undefine()
		return fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}

	// autostart is not critical
	_ = network.SetAutostart(true)

	return nil
}

func (m *LibvirtNetworkManager) ensureNetworkActive(name string) error {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("%w: %v", ErrStartNetwork, err)
		}
	}

	return nil
}

// Get retrieves information about a libvirt network.
// Returns ErrNetworkNotFound if the network doesn't exist.
func (m *LibvirtNetworkManager) Get(_ context.Context, name string) (*LibvirtNetworkInfo, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	if m.conn == nil {
		return nil, ErrConnNil
	}

	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	isActive, err := network.IsActive()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	autostart, err := network.GetAutostart()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	return infoFromXML(&networkXML, isActive, autostart), nil
}

func infoFromXML(n *libvirtxml.Network, isActive, autostart bool) *LibvirtNetworkInfo {
	bridgeName := ""
	if n.Bridge != nil {
		bridgeName = n.Bridge.Name
	}

	mode := types.NetworkModeIsolated
	if n.Forward != nil {
		mode = types.NetworkMode(n.Forward.Mode)
	}

	return &LibvirtNetworkInfo{
		Name:       n.Name,
		BridgeName: bridgeName,
		Mode:       mode,
		IsActive:   isActive,
		Autostart:  autostart,
	}
}

// GenerateNetworkXML renders the libvirt definition of a virtual network.
func GenerateNetworkXML(vn types.VirtualNetwork) (string, error) {
	network := &libvirtxml.Network{
		Name: vn.Name,
	}

	switch vn.Mode {
	case types.NetworkModeBridge:
		if vn.BridgeName == "" {
			return "", ErrBridgeNameRequired
		}
		network.Forward = &libvirtxml.NetworkForward{Mode: string(types.NetworkModeBridge)}
		network.Bridge = &libvirtxml.NetworkBridge{Name: vn.BridgeName}

	case types.NetworkModeNAT:
		network.Forward = &libvirtxml.NetworkForward{Mode: string(types.NetworkModeNAT)}
		network.Bridge = &libvirtxml.NetworkBridge{Name: vn.BridgeName, STP: "on"}
		network.IPs = []libvirtxml.NetworkIP{hostIP(vn, "192.168.150.1")}

	case types.NetworkModeIsolated:
		// isolated networks have no forward element
		network.Bridge = &libvirtxml.NetworkBridge{Name: vn.BridgeName, STP: "on"}
		network.IPs = []libvirtxml.NetworkIP{hostIP(vn, "192.168.151.1")}

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, vn.Mode)
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}

	return xml, nil
}

func hostIP(vn types.VirtualNetwork, defaultAddress string) libvirtxml.NetworkIP {
	ip := libvirtxml.NetworkIP{
		Address: vn.IPAddress,
		Netmask: vn.Netmask,
	}

	if ip.Address == "" {
		ip.Address = defaultAddress
	}
	if ip.Netmask == "" {
		ip.Netmask = "255.255.255.0"
	}

	if vn.DHCPStart != "" && vn.DHCPEnd != "" {
		ip.DHCP = &libvirtxml.NetworkDHCP{
			Ranges: []libvirtxml.NetworkDHCPRange{{Start: vn.DHCPStart, End: vn.DHCPEnd}},
		}
	}

	return ip
}
