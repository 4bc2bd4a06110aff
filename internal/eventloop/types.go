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
	"fmt"

	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// Events is a readiness mask. Values match libvirt's VIR_EVENT_HANDLE_*.
type Events int

const (
	Readable Events = 1 << iota
	Writable
	Error
	Hangup
)

// alwaysMonitored is reported for every live watch regardless of its mask.
const alwaysMonitored = Error | Hangup

func (e Events) String() string {
	return fmt.Sprintf("events(r=%t,w=%t,e=%t,h=%t)",
		e&Readable != 0, e&Writable != 0, e&Error != 0, e&Hangup != 0)
}

func (e Events) pollEvents() int16 {
	var out int16
	if e&Readable != 0 {
		out |= unix.POLLIN
	}
	if e&Writable != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func eventsFromPoll(revents int16) Events {
	var out Events
	if revents&unix.POLLIN != 0 {
		out |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		out |= Writable
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		out |= Error
	}
	if revents&unix.POLLHUP != 0 {
		out |= Hangup
	}
	return out
}

// TimerFunc is invoked with the timer id when an armed timer fires.
type TimerFunc func(id int)

// WatchFunc is invoked with the watch id, its descriptor and the ready events.
type WatchFunc func(id int, fd int, events Events)

type kind string

const (
	kindTimer kind = "timer"
	kindWatch kind = "watch"
)

// handle is a single registration. It is only ever touched by the Registry
// goroutine.
type handle struct {
	id      int
	kind    kind
	release func()
	enabled bool

	// timers
	onTimer  TimerFunc
	interval int
	armed    clock.Timer
	gen      uint64

	// watches
	fd      int
	events  Events
	onWatch WatchFunc
}

// disable stops future firings. For timers the pending clock timer is stopped
// and its generation bumped so an already queued firing is dropped.
func (h *handle) disable() {
	h.enabled = false
	if h.armed != nil {
		h.armed.Stop()
		h.armed = nil
	}
	h.gen++
}

// free runs the attached destructor at most once.
func (h *handle) free() {
	if h.release == nil {
		return
	}
	release := h.release
	h.release = nil
	release()
}

func unixPollFd(fd int, events Events) unix.PollFd {
	return unix.PollFd{Fd: int32(fd), Events: events.pollEvents()} //nolint:gosec
}
