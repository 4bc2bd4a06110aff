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

// Package hypervisorfake is an in-memory hypervisor.Connector for tests.
package hypervisorfake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"libvirt.org/go/libvirtxml"
)

var ErrInjected = errors.New("injected failure")

// VM is a domain known to the fake hypervisor.
type VM struct {
	UUID  string
	Name  string
	State hypervisor.State
	// Base is the persistent configuration, Live the running one.
	Base *libvirtxml.Domain
	Live *libvirtxml.Domain
	Perf hypervisor.Performance

	StateErr  error
	ConfigErr error
	LiveErr   error
	PerfErr   error
}

// Hypervisor is a fake hypervisor.Connector.
type Hypervisor struct {
	mu sync.Mutex

	vms           map[string]*VM
	updates       map[string][]string
	networks      []types.VirtualNetwork
	conns         []*Conn
	failConnects  int
	connectCalls  int
	subscribeFail int
	networkErr    error
}

var _ hypervisor.Connector = &Hypervisor{}

// New returns an empty fake hypervisor.
func New() *Hypervisor {
	return &Hypervisor{
		vms:           make(map[string]*VM),
		updates:       make(map[string][]string),
		subscribeFail: -1,
	}
}

// Define adds or replaces a VM.
func (h *Hypervisor) Define(vm VM) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cp := vm
	h.vms[vm.UUID] = &cp
}

// Undefine forgets a VM.
func (h *Hypervisor) Undefine(uuid string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.vms, uuid)
}

// SetState changes the state of a defined VM.
func (h *Hypervisor) SetState(uuid string, state hypervisor.State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if vm, ok := h.vms[uuid]; ok {
		vm.State = state
	}
}

// FailConnects makes the next n Connect calls fail.
func (h *Hypervisor) FailConnects(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failConnects = n
}

// FailSubscribeAt makes the nth (0-based) event subscription of every new
// connection fail. A negative n disables the failure.
func (h *Hypervisor) FailSubscribeAt(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribeFail = n
}

// FailNetworks makes RegisterVirtualNetwork return err.
func (h *Hypervisor) FailNetworks(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.networkErr = err
}

// ConnectCalls returns the number of Connect calls so far.
func (h *Hypervisor) ConnectCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.connectCalls
}

// Conns returns every connection opened so far.
func (h *Hypervisor) Conns() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.conns)
}

// Last returns the most recent connection or nil.
func (h *Hypervisor) Last() *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.conns) == 0 {
		return nil
	}

	return h.conns[len(h.conns)-1]
}

// Networks returns every registered virtual network in call order.
func (h *Hypervisor) Networks() []types.VirtualNetwork {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.networks)
}

// DeviceUpdates returns the device definitions applied to a VM.
func (h *Hypervisor) DeviceUpdates(uuid string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.updates[uuid])
}

func (h *Hypervisor) Connect(uri string) (hypervisor.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connectCalls++
	if h.failConnects > 0 {
		h.failConnects--
		return nil, fmt.Errorf("%w: %w: %s", hypervisor.ErrConnect, ErrInjected, uri)
	}

	c := &Conn{
		h:             h,
		subs:          make(map[int]any),
		subscribeFail: h.subscribeFail,
	}
	h.conns = append(h.conns, c)

	return c, nil
}

func (h *Hypervisor) vm(uuid string) (*VM, error) {
	vm, ok := h.vms[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hypervisor.ErrDomainNotFound, uuid)
	}

	return vm, nil
}

// ---------------------------------------------------------------- CONN ---------------------------------------------- //

// Conn is a fake hypervisor.Conn.
type Conn struct {
	h *Hypervisor

	mu            sync.Mutex
	closed        bool
	nextID        int
	attempts      int
	subscribeFail int
	subs          map[int]any
	onClose       hypervisor.CloseHandler
	deregistered  []int
}

var _ hypervisor.Conn = &Conn{}

func (c *Conn) check() error {
	if c.closed {
		return hypervisor.ErrConnClosed
	}

	return nil
}

func (c *Conn) ListDomains() ([]hypervisor.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}

	c.h.mu.Lock()
	defer c.h.mu.Unlock()

	uuids := make([]string, 0, len(c.h.vms))
	for uuid := range c.h.vms {
		uuids = append(uuids, uuid)
	}
	slices.Sort(uuids)

	out := make([]hypervisor.Domain, 0, len(uuids))
	for _, uuid := range uuids {
		out = append(out, &Domain{c: c, uuid: uuid})
	}

	return out, nil
}

func (c *Conn) LookupDomain(uuid string) (hypervisor.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}

	c.h.mu.Lock()
	defer c.h.mu.Unlock()

	if _, err := c.h.vm(uuid); err != nil {
		return nil, err
	}

	return &Domain{c: c, uuid: uuid}, nil
}

func (c *Conn) subscribe(handler any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return -1, err
	}

	attempt := c.attempts
	c.attempts++
	if attempt == c.subscribeFail {
		return -1, fmt.Errorf("%w: %w", hypervisor.ErrSubscribe, ErrInjected)
	}

	c.nextID++
	c.subs[c.nextID] = handler

	return c.nextID, nil
}

func (c *Conn) OnLifecycle(fn hypervisor.LifecycleHandler) (int, error) { return c.subscribe(fn) }
func (c *Conn) OnReboot(fn hypervisor.DomainHandler) (int, error)       { return c.subscribe(rebootHandler(fn)) }
func (c *Conn) OnPMWakeup(fn hypervisor.DomainHandler) (int, error)     { return c.subscribe(wakeupHandler(fn)) }
func (c *Conn) OnDeviceAdded(fn hypervisor.DeviceHandler) (int, error)  { return c.subscribe(addedHandler(fn)) }
func (c *Conn) OnDeviceRemoved(fn hypervisor.DeviceHandler) (int, error) {
	return c.subscribe(removedHandler(fn))
}
func (c *Conn) OnTrayChange(fn hypervisor.TrayHandler) (int, error) { return c.subscribe(fn) }

type (
	rebootHandler  hypervisor.DomainHandler
	wakeupHandler  hypervisor.DomainHandler
	addedHandler   hypervisor.DeviceHandler
	removedHandler hypervisor.DeviceHandler
)

func (c *Conn) Deregister(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	if _, ok := c.subs[id]; !ok {
		return fmt.Errorf("%w: unknown subscription %d", hypervisor.ErrUnsubscribe, id)
	}

	delete(c.subs, id)
	c.deregistered = append(c.deregistered, id)

	return nil
}

func (c *Conn) RegisterCloseCallback(fn hypervisor.CloseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	c.onClose = fn

	return nil
}

func (c *Conn) UnregisterCloseCallback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	c.onClose = nil

	return nil
}

func (c *Conn) RegisterVirtualNetwork(_ context.Context, vn types.VirtualNetwork) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	c.h.mu.Lock()
	defer c.h.mu.Unlock()

	if c.h.networkErr != nil {
		return c.h.networkErr
	}

	c.h.networks = append(c.h.networks, vn)

	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

// ---------------------------------------------------------------- DRIVERS ------------------------------------------- //

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Subscriptions returns the number of live event subscriptions.
func (c *Conn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subs)
}

// Deregistered returns the deregistered subscription ids in call order.
func (c *Conn) Deregistered() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.deregistered)
}

// HasCloseCallback reports whether a close callback is installed.
func (c *Conn) HasCloseCallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.onClose != nil
}

// Drop simulates the hypervisor closing the connection: the close callback is
// invoked synchronously on the calling goroutine.
func (c *Conn) Drop(reason hypervisor.CloseReason) {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}

func (c *Conn) handlers() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.subs[id])
	}

	return out
}

// EmitLifecycle delivers a lifecycle event to the subscribers.
func (c *Conn) EmitLifecycle(ref hypervisor.DomainRef, ev hypervisor.LifecycleEvent) {
	for _, h := range c.handlers() {
		if fn, ok := h.(hypervisor.LifecycleHandler); ok {
			fn(ref, ev)
		}
	}
}

// EmitReboot delivers a reboot event to the subscribers.
func (c *Conn) EmitReboot(ref hypervisor.DomainRef) {
	for _, h := range c.handlers() {
		if fn, ok := h.(rebootHandler); ok {
			fn(ref)
		}
	}
}

// EmitPMWakeup delivers a wake-up event to the subscribers.
func (c *Conn) EmitPMWakeup(ref hypervisor.DomainRef) {
	for _, h := range c.handlers() {
		if fn, ok := h.(wakeupHandler); ok {
			fn(ref)
		}
	}
}

// EmitDeviceAdded delivers a device-added event to the subscribers.
func (c *Conn) EmitDeviceAdded(ref hypervisor.DomainRef, alias string) {
	for _, h := range c.handlers() {
		if fn, ok := h.(addedHandler); ok {
			fn(ref, alias)
		}
	}
}

// EmitDeviceRemoved delivers a device-removed event to the subscribers.
func (c *Conn) EmitDeviceRemoved(ref hypervisor.DomainRef, alias string) {
	for _, h := range c.handlers() {
		if fn, ok := h.(removedHandler); ok {
			fn(ref, alias)
		}
	}
}

// EmitTrayChange delivers a tray event to the subscribers.
func (c *Conn) EmitTrayChange(ref hypervisor.DomainRef, alias string, opened bool) {
	for _, h := range c.handlers() {
		if fn, ok := h.(hypervisor.TrayHandler); ok {
			fn(ref, alias, opened)
		}
	}
}

// ---------------------------------------------------------------- DOMAIN -------------------------------------------- //

// Domain is a fake hypervisor.Domain.
type Domain struct {
	c    *Conn
	uuid string
}

var _ hypervisor.Domain = &Domain{}

func (d *Domain) with(fn func(vm *VM) error) error {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()

	if err := d.c.check(); err != nil {
		return err
	}

	d.c.h.mu.Lock()
	defer d.c.h.mu.Unlock()

	vm, err := d.c.h.vm(d.uuid)
	if err != nil {
		return err
	}

	return fn(vm)
}

func (d *Domain) UUID() (string, error) {
	return d.uuid, d.with(func(*VM) error { return nil })
}

func (d *Domain) Name() (string, error) {
	var out string
	err := d.with(func(vm *VM) error {
		out = vm.Name
		return nil
	})

	return out, err
}

func (d *Domain) State() (hypervisor.State, error) {
	out := hypervisor.StateUnknown
	err := d.with(func(vm *VM) error {
		if vm.StateErr != nil {
			return vm.StateErr
		}
		out = vm.State
		return nil
	})

	return out, err
}

func (d *Domain) Config(live bool) (*libvirtxml.Domain, error) {
	var out *libvirtxml.Domain
	err := d.with(func(vm *VM) error {
		src, srcErr := vm.Base, vm.ConfigErr
		if live {
			src, srcErr = vm.Live, vm.LiveErr
		}
		if srcErr != nil {
			return srcErr
		}
		if src == nil {
			src = &libvirtxml.Domain{Name: vm.Name, UUID: vm.UUID}
		}

		var err error
		out, err = Clone(src)
		return err
	})

	return out, err
}

func (d *Domain) Performance() (hypervisor.Performance, error) {
	var out hypervisor.Performance
	err := d.with(func(vm *VM) error {
		if vm.PerfErr != nil {
			return vm.PerfErr
		}
		out = vm.Perf
		return nil
	})

	return out, err
}

func (d *Domain) UpdateDevice(device string) error {
	return d.with(func(vm *VM) error {
		d.c.h.updates[vm.UUID] = append(d.c.h.updates[vm.UUID], device)
		return nil
	})
}

func (d *Domain) Free() {}

// Clone deep-copies a domain configuration.
func Clone(in *libvirtxml.Domain) (*libvirtxml.Domain, error) {
	doc, err := in.Marshal()
	if err != nil {
		return nil, err
	}

	out := &libvirtxml.Domain{}
	if err := out.Unmarshal(doc); err != nil {
		return nil, err
	}

	return out, nil
}
