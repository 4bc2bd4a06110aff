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

package model

import (
	"fmt"
	"weak"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/mailbox"
	"github.com/go-logr/logr"
	"libvirt.org/go/libvirtxml"
)

// Domain is the proxy of one VM. It owns a goroutine that applies every
// update to the VM's state machine in the order they were posted.
//
// Every method is safe for concurrent use. They return false once the proxy
// was closed, in which case the update was dropped.
type Domain struct {
	log     logr.Logger
	uuid    string
	owner   types.Owner
	machine StateMachine
	mb      *mailbox.Mailbox
	done    chan struct{}
}

func newDomain(log logr.Logger, uuid string, owner types.Owner, machine StateMachine) *Domain {
	d := &Domain{
		log:     log.WithValues("uuid", uuid),
		uuid:    uuid,
		owner:   owner,
		machine: machine,
		mb:      mailbox.New(),
		done:    make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *Domain) run() {
	defer close(d.done)

	for fn := range d.mb.Out() {
		d.apply(fn)
	}
}

func (d *Domain) apply(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error(fmt.Errorf("%v", rec), "state machine panicked")
		}
	}()

	fn()
}

// UUID returns the uuid of the VM.
func (d *Domain) UUID() string { return d.uuid }

// Owner returns the principal the VM is attributed to.
func (d *Domain) Owner() types.Owner { return d.owner }

// Done is closed once the proxy was closed and every pending update applied.
func (d *Domain) Done() <-chan struct{} { return d.done }

func (d *Domain) SetState(state hypervisor.State) bool {
	return d.mb.Post(func() { d.machine.SetState(state) })
}

func (d *Domain) SetConfig(cfg *libvirtxml.Domain) bool {
	return d.mb.Post(func() { d.machine.SetConfig(cfg) })
}

func (d *Domain) PrepareToSwitch() bool {
	return d.mb.Post(func() { d.machine.PrepareToSwitch() })
}

// SetUsage forwards usage to state machines implementing UsageSink.
func (d *Domain) SetUsage(usage types.Usage) bool {
	sink, ok := d.machine.(UsageSink)
	if !ok {
		return !d.mb.Closed()
	}

	return d.mb.Post(func() { sink.SetUsage(usage) })
}

func (d *Domain) close() {
	d.mb.Close()
}

// Weak returns a reference that does not keep the proxy alive.
func (d *Domain) Weak() Ref {
	return Ref{p: weak.Make(d)}
}

// Ref is a non-owning reference to a Domain.
type Ref struct {
	p weak.Pointer[Domain]
}

// Get returns the proxy, or nil once it was closed or collected.
func (r Ref) Get() *Domain {
	d := r.p.Value()
	if d == nil || d.mb.Closed() {
		return nil
	}

	return d
}
