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

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/alexandremahdhaoui/virtbridge/pkg/network"
	"github.com/go-logr/logr"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// ---------------------------------------------------------------- CONNECTOR ----------------------------------------- //

type libvirtConnector struct {
	log logr.Logger
}

// NewConnector returns a Connector backed by libvirt.
func NewConnector(log logr.Logger) Connector {
	return &libvirtConnector{log: log.WithName("libvirt")}
}

func (c *libvirtConnector) Connect(uri string) (Conn, error) {
	raw, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}

	return &libvirtConn{
		log: c.log.WithValues("uri", uri),
		raw: raw,
	}, nil
}

// ---------------------------------------------------------------- CONN ---------------------------------------------- //

// libvirtConn guards the native connection so nothing calls into it once it
// was closed.
type libvirtConn struct {
	log logr.Logger

	mu     sync.RWMutex
	raw    *libvirt.Connect
	closed bool
}

func (c *libvirtConn) with(fn func(raw *libvirt.Connect) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnClosed
	}

	return fn(c.raw)
}

func (c *libvirtConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	if _, err := c.raw.Close(); err != nil {
		return errors.Join(ErrQuery, err)
	}

	return nil
}

func (c *libvirtConn) ListDomains() ([]Domain, error) {
	var out []Domain

	err := c.with(func(raw *libvirt.Connect) error {
		domains, err := raw.ListAllDomains(0)
		if err != nil {
			return errors.Join(ErrQuery, err)
		}

		for i := range domains {
			out = append(out, &libvirtDomain{conn: c, raw: &domains[i]})
		}

		return nil
	})

	return out, err
}

func (c *libvirtConn) LookupDomain(uuid string) (Domain, error) {
	var out Domain

	err := c.with(func(raw *libvirt.Connect) error {
		d, err := raw.LookupDomainByUUIDString(uuid)
		if err != nil {
			var libvirtErr libvirt.Error
			if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_DOMAIN {
				return fmt.Errorf("%w: %s", ErrDomainNotFound, uuid)
			}

			return errors.Join(ErrQuery, err)
		}

		out = &libvirtDomain{conn: c, raw: d}

		return nil
	})

	return out, err
}

func (c *libvirtConn) RegisterVirtualNetwork(ctx context.Context, vn types.VirtualNetwork) error {
	return c.with(func(raw *libvirt.Connect) error {
		return network.NewLibvirtNetworkManager(raw).Ensure(ctx, vn)
	})
}

// ---------------------------------------------------------------- EVENTS -------------------------------------------- //

// ref resolves the domain of an event. The native domain is only valid for the
// duration of the callback.
func (c *libvirtConn) ref(d *libvirt.Domain) (DomainRef, bool) {
	uuid, err := d.GetUUIDString()
	if err != nil {
		c.log.V(1).Info("cannot resolve domain of event", "err", err.Error())
		return DomainRef{}, false
	}

	name, _ := d.GetName()

	return DomainRef{UUID: uuid, Name: name}, true
}

func (c *libvirtConn) subscribe(register func(raw *libvirt.Connect) (int, error)) (int, error) {
	id := -1

	err := c.with(func(raw *libvirt.Connect) error {
		var err error
		if id, err = register(raw); err != nil {
			return errors.Join(ErrSubscribe, err)
		}

		return nil
	})
	if err != nil {
		return -1, err
	}

	return id, nil
}

func (c *libvirtConn) OnLifecycle(fn LifecycleHandler) (int, error) {
	return c.subscribe(func(raw *libvirt.Connect) (int, error) {
		return raw.DomainEventLifecycleRegister(nil,
			func(_ *libvirt.Connect, d *libvirt.Domain, ev *libvirt.DomainEventLifecycle) {
				if ref, ok := c.ref(d); ok {
					fn(ref, lifecycleFromLibvirt(ev.Event, ev.Detail))
				}
			})
	})
}

func (c *libvirtConn) OnReboot(fn DomainHandler) (int, error) {
	return c.subscribe(func(raw *libvirt.Connect) (int, error) {
		return raw.DomainEventRebootRegister(nil, func(_ *libvirt.Connect, d *libvirt.Domain) {
			if ref, ok := c.ref(d); ok {
				fn(ref)
			}
		})
	})
}

func (c *libvirtConn) OnPMWakeup(fn DomainHandler) (int, error) {
	return c.subscribe(func(raw *libvirt.Connect) (int, error) {
		return raw.DomainEventPMWakeupRegister(nil,
			func(_ *libvirt.Connect, d *libvirt.Domain, _ *libvirt.DomainEventPMWakeup) {
				if ref, ok := c.ref(d); ok {
					fn(ref)
				}
			})
	})
}

func (c *libvirtConn) OnDeviceAdded(fn DeviceHandler) (int, error) {
	return c.subscribe(func(raw *libvirt.Connect) (int, error) {
		return raw.DomainEventDeviceAddedRegister(nil,
			func(_ *libvirt.Connect, d *libvirt.Domain, ev *libvirt.DomainEventDeviceAdded) {
				if ref, ok := c.ref(d); ok {
					fn(ref, ev.DevAlias)
				}
			})
	})
}

func (c *libvirtConn) OnDeviceRemoved(fn DeviceHandler) (int, error) {
	return c.subscribe(func(raw *libvirt.Connect) (int, error) {
		return raw.DomainEventDeviceRemovedRegister(nil,
			func(_ *libvirt.Connect, d *libvirt.Domain, ev *libvirt.DomainEventDeviceRemoved) {
				if ref, ok := c.ref(d); ok {
					fn(ref, ev.DevAlias)
				}
			})
	})
}

func (c *libvirtConn) OnTrayChange(fn TrayHandler) (int, error) {
	return c.subscribe(func(raw *libvirt.Connect) (int, error) {
		return raw.DomainEventTrayChangeRegister(nil,
			func(_ *libvirt.Connect, d *libvirt.Domain, ev *libvirt.DomainEventTrayChange) {
				if ref, ok := c.ref(d); ok {
					fn(ref, ev.DevAlias, ev.Reason == libvirt.DOMAIN_EVENT_TRAY_CHANGE_OPEN)
				}
			})
	})
}

func (c *libvirtConn) Deregister(id int) error {
	return c.with(func(raw *libvirt.Connect) error {
		if err := raw.DomainEventDeregister(id); err != nil {
			return errors.Join(ErrUnsubscribe, err)
		}

		return nil
	})
}

func (c *libvirtConn) RegisterCloseCallback(fn CloseHandler) error {
	return c.with(func(raw *libvirt.Connect) error {
		if err := raw.RegisterCloseCallback(func(_ *libvirt.Connect, reason libvirt.ConnectCloseReason) {
			fn(closeReasonFromLibvirt(reason))
		}); err != nil {
			return errors.Join(ErrSubscribe, err)
		}

		return nil
	})
}

func (c *libvirtConn) UnregisterCloseCallback() error {
	return c.with(func(raw *libvirt.Connect) error {
		if err := raw.UnregisterCloseCallback(); err != nil {
			return errors.Join(ErrUnsubscribe, err)
		}

		return nil
	})
}

// ---------------------------------------------------------------- DOMAIN -------------------------------------------- //

type libvirtDomain struct {
	conn *libvirtConn
	raw  *libvirt.Domain
	once sync.Once
}

func (d *libvirtDomain) query(fn func(raw *libvirt.Domain) error) error {
	return d.conn.with(func(*libvirt.Connect) error {
		if err := fn(d.raw); err != nil {
			if errors.Is(err, ErrDomainNotFound) {
				return err
			}

			return errors.Join(ErrQuery, err)
		}

		return nil
	})
}

func (d *libvirtDomain) UUID() (string, error) {
	var out string

	err := d.query(func(raw *libvirt.Domain) error {
		var err error
		out, err = raw.GetUUIDString()
		return err
	})

	return out, err
}

func (d *libvirtDomain) Name() (string, error) {
	var out string

	err := d.query(func(raw *libvirt.Domain) error {
		var err error
		out, err = raw.GetName()
		return err
	})

	return out, err
}

func (d *libvirtDomain) State() (State, error) {
	out := StateUnknown

	err := d.query(func(raw *libvirt.Domain) error {
		state, reason, err := raw.GetState()
		if err != nil {
			return err
		}

		out = stateFromLibvirt(state, reason)

		return nil
	})

	return out, err
}

func (d *libvirtDomain) Config(live bool) (*libvirtxml.Domain, error) {
	flags := libvirt.DOMAIN_XML_SECURE
	if !live {
		flags |= libvirt.DOMAIN_XML_INACTIVE
	}

	var out *libvirtxml.Domain

	err := d.query(func(raw *libvirt.Domain) error {
		desc, err := raw.GetXMLDesc(flags)
		if err != nil {
			return err
		}

		cfg := &libvirtxml.Domain{}
		if err := cfg.Unmarshal(desc); err != nil {
			return err
		}

		out = cfg

		return nil
	})

	return out, err
}

func (d *libvirtDomain) Performance() (Performance, error) {
	var out Performance

	err := d.query(func(raw *libvirt.Domain) error {
		cpu, err := raw.GetCPUStats(-1, 1, 0)
		if err != nil {
			return err
		}

		for _, s := range cpu {
			if s.CpuTimeSet {
				out.CPUTimeNs += s.CpuTime
			}
		}

		mem, err := raw.MemoryStats(uint32(libvirt.DOMAIN_MEMORY_STAT_NR), 0)
		if err != nil {
			return err
		}

		for _, s := range mem {
			switch libvirt.DomainMemoryStatTags(s.Tag) {
			case libvirt.DOMAIN_MEMORY_STAT_ACTUAL_BALLOON:
				out.MemoryActualKiB = s.Val
			case libvirt.DOMAIN_MEMORY_STAT_UNUSED:
				out.MemoryUnusedKiB = s.Val
			case libvirt.DOMAIN_MEMORY_STAT_AVAILABLE:
				out.MemoryAvailableKiB = s.Val
			case libvirt.DOMAIN_MEMORY_STAT_RSS:
				out.MemoryRSSKiB = s.Val
			}
		}

		return nil
	})

	return out, err
}

func (d *libvirtDomain) UpdateDevice(device string) error {
	return d.query(func(raw *libvirt.Domain) error {
		return raw.UpdateDeviceFlags(device, libvirt.DOMAIN_DEVICE_MODIFY_CONFIG)
	})
}

func (d *libvirtDomain) Free() {
	d.once.Do(func() {
		if err := d.raw.Free(); err != nil {
			d.conn.log.V(1).Info("cannot free domain", "err", err.Error())
		}
	})
}

// ---------------------------------------------------------------- MAPPING ------------------------------------------- //

func stateFromLibvirt(state libvirt.DomainState, reason int) State {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return StateRunning
	case libvirt.DOMAIN_PAUSED:
		return StatePaused
	case libvirt.DOMAIN_PMSUSPENDED:
		return StateSuspended
	case libvirt.DOMAIN_SHUTOFF:
		if libvirt.DomainShutoffReason(reason) == libvirt.DOMAIN_SHUTOFF_SAVED {
			return StateSuspended
		}

		return StateStopped
	case libvirt.DOMAIN_SHUTDOWN, libvirt.DOMAIN_CRASHED:
		return StateStopped
	default:
		return StateUnknown
	}
}

func closeReasonFromLibvirt(reason libvirt.ConnectCloseReason) CloseReason {
	switch reason {
	case libvirt.CONNECT_CLOSE_REASON_EOF:
		return CloseReasonEOF
	case libvirt.CONNECT_CLOSE_REASON_KEEPALIVE:
		return CloseReasonKeepalive
	case libvirt.CONNECT_CLOSE_REASON_CLIENT:
		return CloseReasonClient
	default:
		return CloseReasonError
	}
}

func lifecycleFromLibvirt(event libvirt.DomainEventType, detail int) LifecycleEvent {
	switch event {
	case libvirt.DOMAIN_EVENT_DEFINED:
		ev := LifecycleEvent{Kind: LifecycleDefined}
		if libvirt.DomainEventDefinedDetailType(detail) == libvirt.DOMAIN_EVENT_DEFINED_FROM_SNAPSHOT {
			ev.Detail = DetailFromSnapshot
		}

		return ev

	case libvirt.DOMAIN_EVENT_UNDEFINED:
		return LifecycleEvent{Kind: LifecycleUndefined}

	case libvirt.DOMAIN_EVENT_STARTED:
		ev := LifecycleEvent{Kind: LifecycleStarted}
		switch libvirt.DomainEventStartedDetailType(detail) {
		case libvirt.DOMAIN_EVENT_STARTED_MIGRATED:
			ev.Detail = DetailMigrated
		case libvirt.DOMAIN_EVENT_STARTED_FROM_SNAPSHOT:
			ev.Detail = DetailFromSnapshot
		case libvirt.DOMAIN_EVENT_STARTED_RESTORED:
			ev.Detail = DetailRestored
		}

		return ev

	case libvirt.DOMAIN_EVENT_SUSPENDED:
		ev := LifecycleEvent{Kind: LifecycleSuspended}
		switch libvirt.DomainEventSuspendedDetailType(detail) {
		case libvirt.DOMAIN_EVENT_SUSPENDED_PAUSED:
			ev.Detail = DetailPaused
		case libvirt.DOMAIN_EVENT_SUSPENDED_MIGRATED:
			ev.Detail = DetailMigrated
		case libvirt.DOMAIN_EVENT_SUSPENDED_IOERROR:
			ev.Detail = DetailIOError
		case libvirt.DOMAIN_EVENT_SUSPENDED_WATCHDOG:
			ev.Detail = DetailWatchdog
		case libvirt.DOMAIN_EVENT_SUSPENDED_RESTORED:
			ev.Detail = DetailRestored
		case libvirt.DOMAIN_EVENT_SUSPENDED_FROM_SNAPSHOT:
			ev.Detail = DetailFromSnapshot
		case libvirt.DOMAIN_EVENT_SUSPENDED_API_ERROR:
			ev.Detail = DetailAPIError
		}

		return ev

	case libvirt.DOMAIN_EVENT_RESUMED:
		ev := LifecycleEvent{Kind: LifecycleResumed}
		switch libvirt.DomainEventResumedDetailType(detail) {
		case libvirt.DOMAIN_EVENT_RESUMED_FROM_SNAPSHOT:
			ev.Detail = DetailFromSnapshot
		case libvirt.DOMAIN_EVENT_RESUMED_MIGRATED:
			ev.Detail = DetailMigrated
		}

		return ev

	case libvirt.DOMAIN_EVENT_STOPPED:
		ev := LifecycleEvent{Kind: LifecycleStopped}
		switch libvirt.DomainEventStoppedDetailType(detail) {
		case libvirt.DOMAIN_EVENT_STOPPED_SAVED:
			ev.Detail = DetailSaved
		case libvirt.DOMAIN_EVENT_STOPPED_FROM_SNAPSHOT:
			ev.Detail = DetailFromSnapshot
		case libvirt.DOMAIN_EVENT_STOPPED_MIGRATED:
			ev.Detail = DetailMigrated
		}

		return ev

	case libvirt.DOMAIN_EVENT_SHUTDOWN:
		return LifecycleEvent{Kind: LifecycleShutdown}

	case libvirt.DOMAIN_EVENT_PMSUSPENDED:
		ev := LifecycleEvent{Kind: LifecyclePMSuspended}
		switch libvirt.DomainEventPMSuspendedDetailType(detail) {
		case libvirt.DOMAIN_EVENT_PMSUSPENDED_MEMORY:
			ev.Detail = DetailMemory
		case libvirt.DOMAIN_EVENT_PMSUSPENDED_DISK:
			ev.Detail = DetailDisk
		}

		return ev

	case libvirt.DOMAIN_EVENT_CRASHED:
		ev := LifecycleEvent{Kind: LifecycleCrashed}
		if libvirt.DomainEventCrashedDetailType(detail) == libvirt.DOMAIN_EVENT_CRASHED_PANICKED {
			ev.Detail = DetailPanicked
		}

		return ev

	default:
		return LifecycleEvent{Kind: LifecycleUnknown}
	}
}

