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
	"context"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"libvirt.org/go/libvirtxml"
)

// StateMachine is the per-VM state machine lifecycle events land on. Its
// methods are only ever called from the goroutine of the owning Domain.
type StateMachine interface {
	SetState(state hypervisor.State)
	SetConfig(cfg *libvirtxml.Domain)
	PrepareToSwitch()
}

// UsageSink is implemented by state machines that accept resource usage.
type UsageSink interface {
	SetUsage(usage types.Usage)
}

// StateMachineFactory builds the state machine of a newly tracked VM.
type StateMachineFactory interface {
	New(uuid string, owner types.Owner) (StateMachine, error)
}

// OwnerResolver resolves the principal a VM is attributed to.
type OwnerResolver interface {
	DefaultOwner(uuid string) (types.Owner, error)
}

// ProblemReporter stores problem reports.
type ProblemReporter interface {
	Submit(ctx context.Context, report types.ProblemReport) error
}

// ConfigStore loads the persisted configuration of a VM.
type ConfigStore interface {
	Load(ctx context.Context, uuid string) (*libvirtxml.Domain, error)
}

// DeviceEditor submits a single device change to a VM's persisted configuration.
type DeviceEditor interface {
	SubmitDeviceChange(ctx context.Context, uuid string, disk libvirtxml.DomainDisk) error
}
