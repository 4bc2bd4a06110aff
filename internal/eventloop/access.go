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

package eventloop

import (
	"sync/atomic"
	"weak"
)

// Access is the thread-safe entry point used by the hypervisor library to
// register timers and watches. Every mutation is posted to the Registry and
// returns immediately.
//
// Access does not keep the Registry alive. Once the Registry is collected or
// closed, allocations and removals return -1 and updates are dropped.
type Access struct {
	registry weak.Pointer[Registry]
	lastID   atomic.Int64
}

// NewAccess returns an Access bound to r.
func NewAccess(r *Registry) *Access {
	return &Access{registry: weak.Make(r)}
}

func (a *Access) live() *Registry {
	r := a.registry.Value()
	if r == nil || r.Closed() {
		return nil
	}

	return r
}

func (a *Access) nextID() int {
	return int(a.lastID.Add(1))
}

// AddTimeout registers a timer firing every intervalMs milliseconds. A
// negative interval registers it disabled.
func (a *Access) AddTimeout(intervalMs int, fn TimerFunc, release func()) int {
	r := a.live()
	if r == nil {
		return -1
	}

	id := a.nextID()
	if !r.post(func() {
		r.addTimer(id, fn)
		r.setOpaque(id, release)
		r.setTimerInterval(id, intervalMs)
	}) {
		return -1
	}

	return id
}

// UpdateTimeout changes the period of a timer, or disables it when negative.
func (a *Access) UpdateTimeout(id, intervalMs int) {
	if r := a.live(); r != nil {
		r.post(func() { r.setTimerInterval(id, intervalMs) })
	}
}

// RemoveTimeout removes a timer. Its release func runs on a later loop turn.
func (a *Access) RemoveTimeout(id int) int {
	return a.remove(id)
}

// AddHandle registers a watch on fd.
func (a *Access) AddHandle(fd int, events Events, fn WatchFunc, release func()) int {
	r := a.live()
	if r == nil {
		return -1
	}

	id := a.nextID()
	if !r.post(func() {
		r.addWatch(id, fd, fn)
		r.setOpaque(id, release)
		r.setWatchEvents(id, events)
	}) {
		return -1
	}

	return id
}

// UpdateHandle changes the events a watch waits for.
func (a *Access) UpdateHandle(id int, events Events) {
	if r := a.live(); r != nil {
		r.post(func() { r.setWatchEvents(id, events) })
	}
}

// RemoveHandle removes a watch. Its release func runs on a later loop turn.
func (a *Access) RemoveHandle(id int) int {
	return a.remove(id)
}

func (a *Access) remove(id int) int {
	r := a.live()
	if r == nil {
		return -1
	}

	if !r.post(func() { r.remove(id) }) {
		return -1
	}

	return 0
}
