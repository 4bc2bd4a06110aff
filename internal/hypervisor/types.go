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

// Package hypervisor is the narrow view of the hypervisor daemon used by the
// rest of the bridge. The libvirt-backed implementation lives in libvirt.go;
// everything else in this package is plain Go and safe to fake.
package hypervisor

import (
	"context"
	"errors"

	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrConnect        = errors.New("cannot connect to hypervisor")
	ErrConnClosed     = errors.New("hypervisor connection is closed")
	ErrDomainNotFound = errors.New("domain not found")
	ErrQuery          = errors.New("hypervisor query failed")
	ErrSubscribe      = errors.New("cannot subscribe to domain events")
	ErrUnsubscribe    = errors.New("cannot unsubscribe from domain events")
)

// ---------------------------------------------------------------- STATE --------------------------------------------- //

// State is the coarse run-state of a VM.
type State int

const (
	StateUnknown State = iota
	StateStopped
	StateRunning
	StatePaused
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// ---------------------------------------------------------------- EVENTS -------------------------------------------- //

// LifecycleKind is the kind of a domain lifecycle event.
type LifecycleKind int

const (
	LifecycleUnknown LifecycleKind = iota
	LifecycleDefined
	LifecycleUndefined
	LifecycleStarted
	LifecycleSuspended
	LifecycleResumed
	LifecycleStopped
	LifecycleShutdown
	LifecyclePMSuspended
	LifecycleCrashed
)

var lifecycleKindNames = map[LifecycleKind]string{
	LifecycleDefined:     "defined",
	LifecycleUndefined:   "undefined",
	LifecycleStarted:     "started",
	LifecycleSuspended:   "suspended",
	LifecycleResumed:     "resumed",
	LifecycleStopped:     "stopped",
	LifecycleShutdown:    "shutdown",
	LifecyclePMSuspended: "pmsuspended",
	LifecycleCrashed:     "crashed",
}

func (k LifecycleKind) String() string {
	if name, ok := lifecycleKindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Detail qualifies a lifecycle event. Only details the bridge acts upon are
// distinguished; everything else is DetailOther.
type Detail int

const (
	DetailOther Detail = iota
	DetailFromSnapshot
	DetailMigrated
	DetailPaused
	DetailIOError
	DetailWatchdog
	DetailRestored
	DetailAPIError
	DetailMemory
	DetailDisk
	DetailSaved
	DetailPanicked
)

var detailNames = map[Detail]string{
	DetailFromSnapshot: "from-snapshot",
	DetailMigrated:     "migrated",
	DetailPaused:       "paused",
	DetailIOError:      "io-error",
	DetailWatchdog:     "watchdog",
	DetailRestored:     "restored",
	DetailAPIError:     "api-error",
	DetailMemory:       "memory",
	DetailDisk:         "disk",
	DetailSaved:        "saved",
	DetailPanicked:     "panicked",
}

func (d Detail) String() string {
	if name, ok := detailNames[d]; ok {
		return name
	}

	return "other"
}

// LifecycleEvent is a decoded domain lifecycle event.
type LifecycleEvent struct {
	Kind   LifecycleKind
	Detail Detail
}

// CloseReason tells why the hypervisor closed a connection.
type CloseReason int

const (
	CloseReasonError CloseReason = iota
	CloseReasonEOF
	CloseReasonKeepalive
	CloseReasonClient
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonEOF:
		return "eof"
	case CloseReasonKeepalive:
		return "keepalive"
	case CloseReasonClient:
		return "client"
	default:
		return "error"
	}
}

// DomainRef identifies the domain an event is about. It is resolved while the
// event is being delivered and stays valid afterwards.
type DomainRef struct {
	UUID string
	Name string
}

type (
	LifecycleHandler func(ref DomainRef, ev LifecycleEvent)
	DomainHandler    func(ref DomainRef)
	DeviceHandler    func(ref DomainRef, alias string)
	TrayHandler      func(ref DomainRef, alias string, opened bool)
	CloseHandler     func(reason CloseReason)
)

// ---------------------------------------------------------------- INTERFACES ---------------------------------------- //

// Performance holds the raw counters of a running domain.
type Performance struct {
	CPUTimeNs          uint64
	MemoryActualKiB    uint64
	MemoryUnusedKiB    uint64
	MemoryAvailableKiB uint64
	MemoryRSSKiB       uint64
}

// Connector opens connections to the hypervisor.
type Connector interface {
	// Connect opens a new connection to uri.
	Connect(uri string) (Conn, error)
}

// Conn is an open hypervisor connection. Every method fails with
// ErrConnClosed once Close was called.
type Conn interface {
	// ListDomains returns every domain known to the hypervisor. Callers must
	// Free the returned domains.
	ListDomains() ([]Domain, error)
	// LookupDomain returns the domain identified by uuid or ErrDomainNotFound.
	// Callers must Free the returned domain.
	LookupDomain(uuid string) (Domain, error)

	OnLifecycle(fn LifecycleHandler) (int, error)
	OnReboot(fn DomainHandler) (int, error)
	OnPMWakeup(fn DomainHandler) (int, error)
	OnDeviceAdded(fn DeviceHandler) (int, error)
	OnDeviceRemoved(fn DeviceHandler) (int, error)
	OnTrayChange(fn TrayHandler) (int, error)
	// Deregister removes an event subscription returned by one of the On* methods.
	Deregister(id int) error

	// RegisterCloseCallback installs the single close notification handler.
	RegisterCloseCallback(fn CloseHandler) error
	UnregisterCloseCallback() error

	// RegisterVirtualNetwork defines and starts a virtual network. It is a
	// no-op for an already existing network.
	RegisterVirtualNetwork(ctx context.Context, network types.VirtualNetwork) error

	Close() error
}

// Domain is a handle on a hypervisor domain.
type Domain interface {
	UUID() (string, error)
	Name() (string, error)
	State() (State, error)
	// Config returns the persistent configuration, or the running one when
	// live is true.
	Config(live bool) (*libvirtxml.Domain, error)
	Performance() (Performance, error)
	// UpdateDevice applies a device definition to the persistent configuration.
	UpdateDevice(device string) error
	Free()
}
