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

package types

// NetworkMode is the forwarding mode of a virtual network.
type NetworkMode string

const (
	NetworkModeNAT      NetworkMode = "nat"
	NetworkModeIsolated NetworkMode = "isolated"
	NetworkModeBridge   NetworkMode = "bridge"
)

// VirtualNetwork describes a host virtual network registered with the hypervisor.
type VirtualNetwork struct {
	// Name is the hypervisor-side name of the network.
	Name string `json:"name"`
	// Enabled networks are registered during the network import. Disabled ones are skipped.
	Enabled bool `json:"enabled"`
	// Mode is one of nat, isolated or bridge.
	Mode NetworkMode `json:"mode"`
	// BridgeName is the Linux bridge to attach to. Required in bridge mode.
	BridgeName string `json:"bridgeName,omitempty"`
	// IPAddress is the host address on the network (nat and isolated modes).
	IPAddress string `json:"ipAddress,omitempty"`
	// Netmask of IPAddress.
	Netmask string `json:"netmask,omitempty"`
	// DHCPStart and DHCPEnd bound the DHCP range. Both empty disables DHCP.
	DHCPStart string `json:"dhcpStart,omitempty"`
	DHCPEnd   string `json:"dhcpEnd,omitempty"`
}

// NetworkConfig is the host network configuration file.
type NetworkConfig struct {
	Networks []VirtualNetwork `json:"networks"`
}

// DefaultNetworkConfig is used when no network configuration file exists.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Networks: []VirtualNetwork{
			{
				Name:      "shared",
				Enabled:   true,
				Mode:      NetworkModeNAT,
				IPAddress: "10.211.55.1",
				Netmask:   "255.255.255.0",
				DHCPStart: "10.211.55.2",
				DHCPEnd:   "10.211.55.254",
			},
			{
				Name:      "host-only",
				Enabled:   true,
				Mode:      NetworkModeIsolated,
				IPAddress: "10.37.129.1",
				Netmask:   "255.255.255.0",
				DHCPStart: "10.37.129.2",
				DHCPEnd:   "10.37.129.254",
			},
		},
	}
}
