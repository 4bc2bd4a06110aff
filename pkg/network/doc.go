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

// Package network registers host virtual networks with libvirt.
//
// LibvirtNetworkManager follows the manager pattern:
//   - Constructor injection of the libvirt connection
//   - Methods that accept context.Context
//   - Idempotent Ensure
//   - Error-based existence checking (Get returns ErrNetworkNotFound)
//
// # Example Usage
//
//	mgr := network.NewLibvirtNetworkManager(conn)
//
//	err := mgr.Ensure(ctx, types.VirtualNetwork{
//	    Name:      "shared",
//	    Mode:      types.NetworkModeNAT,
//	    IPAddress: "10.211.55.1",
//	})
//	if err != nil {
//	    // handle error
//	}
//
//	info, err := mgr.Get(ctx, "shared")
//	if errors.Is(err, network.ErrNetworkNotFound) {
//	    // network doesn't exist
//	}
package network
