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
	"errors"
	"sync"

	"github.com/alexandremahdhaoui/virtbridge/internal/eventloop"
	"libvirt.org/go/libvirt"
)

var errRegisterEventImpl = errors.New("cannot register event loop implementation")

var (
	registerEventImplOnce sync.Once
	registerEventImplErr  error
)

// RegisterEventImpl installs access as libvirt's event loop implementation.
// libvirt accepts a single implementation per process, so calls after the
// first one are ignored and return the first outcome. It must run before the
// first connection is opened.
func RegisterEventImpl(access *eventloop.Access) error {
	registerEventImplOnce.Do(func() {
		if err := libvirt.EventRegisterImpl(&eventImpl{access: access}); err != nil {
			registerEventImplErr = errors.Join(errRegisterEventImpl, err)
		}
	})

	return registerEventImplErr
}

// eventImpl trampolines libvirt.EventLoop onto eventloop.Access.
type eventImpl struct {
	access *eventloop.Access
}

var _ libvirt.EventLoop = &eventImpl{}

func (e *eventImpl) AddHandleFunc(fd int, event libvirt.EventHandleType, cb *libvirt.EventHandleCallbackInfo) int {
	return e.access.AddHandle(fd, eventloop.Events(event),
		func(id, fd int, ready eventloop.Events) {
			cb.Invoke(id, fd, libvirt.EventHandleType(ready))
		},
		cb.Free,
	)
}

func (e *eventImpl) UpdateHandleFunc(watch int, event libvirt.EventHandleType) {
	e.access.UpdateHandle(watch, eventloop.Events(event))
}

func (e *eventImpl) RemoveHandleFunc(watch int) int {
	return e.access.RemoveHandle(watch)
}

func (e *eventImpl) AddTimeoutFunc(freq int, cb *libvirt.EventTimeoutCallbackInfo) int {
	return e.access.AddTimeout(freq, cb.Invoke, cb.Free)
}

func (e *eventImpl) UpdateTimeoutFunc(timer int, freq int) {
	e.access.UpdateTimeout(timer, freq)
}

func (e *eventImpl) RemoveTimeoutFunc(timer int) int {
	return e.access.RemoveTimeout(timer)
}
