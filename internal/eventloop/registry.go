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
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/util/mailbox"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

var (
	ErrRegistryRunning = errors.New("event loop registry is already running")
	ErrRegistryInit    = errors.New("cannot initialize event loop registry")

	errDuplicateID = errors.New("handle id already registered")
	errUnknownID   = errors.New("unknown handle id")
	errPoll        = errors.New("poll failed")
)

// Registry owns every timer and watch handle. All of its methods except Run,
// Closed and the constructor are only ever executed on the goroutine running
// Run; callers reach it through Access.
type Registry struct {
	log   logr.Logger
	clock clock.WithDelayedExecution
	mb    *mailbox.Mailbox

	handles map[int]*handle
	sweeper *sweeper
	poller  *poller

	// poll bookkeeping, owned by the loop goroutine.
	polling   bool
	pollDirty bool
	stopped   bool

	running atomic.Bool
}

// NewRegistry returns a Registry. It does nothing until Run is called, but
// commands posted before that are queued.
func NewRegistry(log logr.Logger, clk clock.WithDelayedExecution) (*Registry, error) {
	r := &Registry{
		log:       log.WithName("eventloop"),
		clock:     clk,
		mb:        mailbox.New(),
		handles:   make(map[int]*handle),
		pollDirty: true,
	}

	p, err := newPoller(r.deliverPoll)
	if err != nil {
		return nil, errors.Join(ErrRegistryInit, err)
	}

	r.poller = p
	r.sweeper = newSweeper(r.log, r.mb.Post)

	return r, nil
}

// Closed reports whether the registry stopped accepting commands.
func (r *Registry) Closed() bool {
	return r.mb.Closed()
}

func (r *Registry) post(fn func()) bool {
	return r.mb.Post(fn)
}

// Run executes posted commands until ctx is done. On return every command
// queued so far has been executed and every remaining handle released.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRegistryRunning
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		r.poller.run(pollCtx)
	}()

	r.log.V(1).Info("event loop started")

	for {
		select {
		case <-ctx.Done():
			r.shutdown(cancel, done)
			return nil
		case fn, ok := <-r.mb.Out():
			if !ok {
				r.shutdown(cancel, done)
				return nil
			}

			fn()
			r.schedulePoll()
		}
	}
}

func (r *Registry) shutdown(cancelPoll context.CancelFunc, pollDone <-chan struct{}) {
	cancelPoll()
	r.poller.wake()
	<-pollDone
	r.poller.close()
	r.stopped = true

	// Execute what was queued before the mailbox closed. Reclaims posted from
	// here on run in place.
	r.mb.Close()
	r.mb.Drain()

	for id, h := range r.handles {
		delete(r.handles, id)
		h.disable()
		h.free()
	}

	handlesGauge.Reset()
	r.log.V(1).Info("event loop stopped")
}

// ---------------------------------------------------------------- HANDLES ------------------------------------------- //

func (r *Registry) insert(h *handle) {
	if _, ok := r.handles[h.id]; ok || r.sweeper.isPending(h.id) {
		r.log.Error(errDuplicateID, "cannot add handle", "id", h.id, "kind", h.kind)
		return
	}

	r.handles[h.id] = h
	handlesGauge.WithLabelValues(string(h.kind)).Inc()
}

func (r *Registry) addTimer(id int, fn TimerFunc) {
	r.insert(&handle{
		id:       id,
		kind:     kindTimer,
		onTimer:  fn,
		interval: -1,
	})
}

func (r *Registry) addWatch(id, fd int, fn WatchFunc) {
	r.insert(&handle{
		id:      id,
		kind:    kindWatch,
		fd:      fd,
		onWatch: fn,
		enabled: true,
	})
	r.pollDirty = true
}

func (r *Registry) setOpaque(id int, release func()) {
	h, ok := r.handles[id]
	if !ok {
		return
	}

	h.release = release
}

func (r *Registry) setTimerInterval(id, ms int) {
	h, ok := r.handles[id]
	if !ok || h.kind != kindTimer {
		r.log.V(1).Info("ignoring interval for unknown timer", "id", id)
		return
	}

	h.disable()
	h.interval = ms

	if ms < 0 {
		return
	}

	h.enabled = true
	gen := h.gen
	h.armed = r.clock.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		r.post(func() { r.fireTimer(id, gen) })
	})
}

func (r *Registry) setWatchEvents(id int, events Events) {
	h, ok := r.handles[id]
	if !ok || h.kind != kindWatch {
		r.log.V(1).Info("ignoring events for unknown watch", "id", id)
		return
	}

	h.events = events & (Readable | Writable)
	r.pollDirty = true
}

func (r *Registry) remove(id int) {
	if r.sweeper.isPending(id) {
		return
	}

	h, ok := r.handles[id]
	if !ok {
		r.log.Error(errUnknownID, "cannot remove handle", "id", id)
		return
	}

	delete(r.handles, id)
	handlesGauge.WithLabelValues(string(h.kind)).Dec()

	h.disable()
	if h.kind == kindWatch {
		r.pollDirty = true
	}

	r.sweeper.care(h)
}

// ---------------------------------------------------------------- DISPATCH ------------------------------------------ //

func (r *Registry) fireTimer(id int, gen uint64) {
	h, ok := r.handles[id]
	if !ok || !h.enabled || h.gen != gen {
		return
	}

	h.armed = nil

	r.invoke(h, func() { h.onTimer(id) })

	// Periodic until removed or given a negative interval.
	if cur, ok := r.handles[id]; ok && cur == h && h.gen == gen && h.interval >= 0 {
		r.setTimerInterval(id, h.interval)
	}
}

func (r *Registry) invoke(h *handle, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			callbackPanicsTotal.WithLabelValues(string(h.kind)).Inc()
			r.log.Error(fmt.Errorf("%v", rec), "callback panicked", "id", h.id, "kind", h.kind)
		}
	}()

	callbacksTotal.WithLabelValues(string(h.kind)).Inc()
	fn()
}

// ---------------------------------------------------------------- POLL ---------------------------------------------- //

func (r *Registry) pollSet() pollRequest {
	req := pollRequest{}
	for id, h := range r.handles {
		if h.kind != kindWatch || !h.enabled {
			continue
		}

		req.ids = append(req.ids, id)
		req.fds = append(req.fds, unixPollFd(h.fd, h.events))
	}

	return req
}

// schedulePoll hands the current watch set to the poller, or interrupts the
// in-flight poll when the set changed.
func (r *Registry) schedulePoll() {
	if r.stopped || !r.pollDirty {
		return
	}

	if r.polling {
		r.poller.wake()
		return
	}

	r.pollDirty = false

	req := r.pollSet()
	if len(req.ids) == 0 {
		return
	}

	r.polling = true
	r.poller.request(req)
}

// deliverPoll runs on the poller goroutine.
func (r *Registry) deliverPoll(req pollRequest, err error) bool {
	return r.post(func() { r.dispatchPoll(req, err) })
}

func (r *Registry) dispatchPoll(req pollRequest, err error) {
	r.polling = false
	r.pollDirty = true

	if err != nil {
		r.log.Error(errors.Join(errPoll, err), "cannot wait for descriptors")
		return
	}

	for i, id := range req.ids {
		revents := req.fds[i].Revents
		if revents == 0 {
			continue
		}

		h, ok := r.handles[id]
		if !ok || !h.enabled || h.fd != int(req.fds[i].Fd) {
			continue
		}

		ready := eventsFromPoll(revents) & (h.events | alwaysMonitored)
		if ready == 0 {
			continue
		}

		r.invoke(h, func() { h.onWatch(id, h.fd, ready) })
	}
}
