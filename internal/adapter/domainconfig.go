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

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/reconcile"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrNotConnected = errors.New("hypervisor is not connected")

	errLoadDomainConfig = errors.New("loading domain configuration")
	errUpdateDevice     = errors.New("updating domain device")
)

// --------------------------------------------------- INTERFACE ---------------------------------------------------- //

// ConnSource returns the hypervisor connection in use, or nil while
// disconnected. subscriber.Subscriber implements it.
type ConnSource interface {
	Current() hypervisor.Conn
}

func lookup(conns ConnSource, uuid string) (hypervisor.Domain, error) {
	conn := conns.Current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	return conn.LookupDomain(uuid)
}

// -------------------------------------------------- CONFIG STORE -------------------------------------------------- //

// NewConfigStore returns a model.ConfigStore reading the persistent domain
// configuration from the hypervisor. Device aliases and other runtime values
// of a running domain are merged in, so devices can be found by the alias
// events carry.
func NewConfigStore(conns ConnSource) model.ConfigStore {
	return &configStore{conns: conns}
}

type configStore struct {
	conns ConnSource
}

func (s *configStore) Load(ctx context.Context, uuid string) (*libvirtxml.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(errLoadDomainConfig, err)
	}

	dom, err := lookup(s.conns, uuid)
	if err != nil {
		return nil, errors.Join(errLoadDomainConfig, err)
	}
	defer dom.Free()

	cfg, err := dom.Config(false)
	if err != nil {
		return nil, errors.Join(errLoadDomainConfig, err)
	}

	// An inactive domain has no live configuration.
	live, err := dom.Config(true)
	if err != nil {
		return cfg, nil
	}

	out, err := reconcile.Revise(cfg, live)
	if err != nil {
		return nil, errors.Join(errLoadDomainConfig, err)
	}

	return out, nil
}

// ------------------------------------------------- DEVICE EDITOR -------------------------------------------------- //

// NewDeviceEditor returns a model.DeviceEditor applying disk changes to the
// persistent configuration of a domain.
func NewDeviceEditor(conns ConnSource) model.DeviceEditor {
	return &deviceEditor{conns: conns}
}

type deviceEditor struct {
	conns ConnSource
}

func (e *deviceEditor) SubmitDeviceChange(ctx context.Context, uuid string, disk libvirtxml.DomainDisk) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(errUpdateDevice, err)
	}

	doc, err := disk.Marshal()
	if err != nil {
		return errors.Join(errUpdateDevice, err)
	}

	dom, err := lookup(e.conns, uuid)
	if err != nil {
		return errors.Join(errUpdateDevice, err)
	}
	defer dom.Free()

	if err := dom.UpdateDevice(doc); err != nil {
		return errors.Join(errUpdateDevice, fmt.Errorf("%s: %w", uuid, err))
	}

	return nil
}
