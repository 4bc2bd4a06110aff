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
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrDeviceNotFound = errors.New("optical device not found")

	errLoadConfig   = errors.New("cannot load domain configuration")
	errSubmitDevice = errors.New("cannot submit device change")
	errSubmitReport = errors.New("cannot submit problem report")
)

const trayOpen = "open"

// Coarse is the entry point used from hypervisor event callbacks. It never
// touches a state machine directly: every update is posted to the proxy.
type Coarse struct {
	log      logr.Logger
	clock    clock.PassiveClock
	system   *System
	reporter ProblemReporter
	store    ConfigStore
	editor   DeviceEditor
}

// NewCoarse returns a Coarse over system.
func NewCoarse(
	log logr.Logger,
	clk clock.PassiveClock,
	system *System,
	reporter ProblemReporter,
	store ConfigStore,
	editor DeviceEditor,
) *Coarse {
	return &Coarse{
		log:      log.WithName("coarse"),
		clock:    clk,
		system:   system,
		reporter: reporter,
		store:    store,
		editor:   editor,
	}
}

// System returns the underlying model.
func (c *Coarse) System() *System { return c.system }

func (c *Coarse) find(ref hypervisor.DomainRef) *Domain {
	d := c.system.Find(ref.UUID)
	if d == nil {
		c.log.V(1).Info("event for untracked domain", "uuid", ref.UUID, "name", ref.Name)
	}

	return d
}

// Access returns the proxy of the domain, tracking it if needed.
func (c *Coarse) Access(ref hypervisor.DomainRef) *Domain {
	return c.system.Ensure(ref.UUID)
}

// SetState posts a state change. It reports whether the domain is tracked.
func (c *Coarse) SetState(ref hypervisor.DomainRef, state hypervisor.State) bool {
	d := c.find(ref)
	return d != nil && d.SetState(state)
}

// PrepareToSwitch marks the domain as awaiting a configuration reload.
func (c *Coarse) PrepareToSwitch(ref hypervisor.DomainRef) bool {
	d := c.find(ref)
	return d != nil && d.PrepareToSwitch()
}

// Remove stops tracking the domain.
func (c *Coarse) Remove(ref hypervisor.DomainRef) bool {
	return c.system.Remove(ref.UUID)
}

// SendProblemReport stores a report about the domain.
func (c *Coarse) SendProblemReport(ctx context.Context, ref hypervisor.DomainRef, reason string) error {
	report := types.ProblemReport{
		ID:         uuid.NewString(),
		DomainUUID: ref.UUID,
		DomainName: ref.Name,
		Reason:     reason,
		CreatedAt:  c.clock.Now().UTC(),
	}

	if d := c.system.Find(ref.UUID); d != nil {
		report.Owner = d.Owner().Name
	}

	if err := c.reporter.Submit(ctx, report); err != nil {
		return errors.Join(errSubmitReport, err)
	}

	c.log.Info("problem report submitted", "uuid", ref.UUID, "report", report.ID, "reason", reason)

	return nil
}

// DisconnectCd ejects the medium of the optical device alias: the source is
// dropped and the tray opened in the persisted configuration. The domain does
// not need to be tracked.
func (c *Coarse) DisconnectCd(ctx context.Context, uuid, alias string) error {
	cfg, err := c.store.Load(ctx, uuid)
	if err != nil {
		return errors.Join(errLoadConfig, err)
	}

	disk, ok := findCdrom(cfg, alias)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, alias)
	}

	disk.Source = nil
	if disk.Target == nil {
		disk.Target = &libvirtxml.DomainDiskTarget{}
	}
	disk.Target.Tray = trayOpen

	if err := c.editor.SubmitDeviceChange(ctx, uuid, disk); err != nil {
		return errors.Join(errSubmitDevice, err)
	}

	return nil
}

func findCdrom(cfg *libvirtxml.Domain, alias string) (libvirtxml.DomainDisk, bool) {
	if cfg == nil || cfg.Devices == nil {
		return libvirtxml.DomainDisk{}, false
	}

	for _, disk := range cfg.Devices.Disks {
		if disk.Device != "cdrom" || disk.Alias == nil || disk.Alias.Name != alias {
			continue
		}

		// shallow copy is enough: Target is replaced, Source dropped
		out := disk
		if disk.Target != nil {
			target := *disk.Target
			out.Target = &target
		}

		return out, true
	}

	return libvirtxml.DomainDisk{}, false
}
