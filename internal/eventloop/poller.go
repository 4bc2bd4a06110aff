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
	"sync"

	"golang.org/x/sys/unix"
)

var errPollerClosed = errors.New("poller is closed")

type pollRequest struct {
	ids []int
	fds []unix.PollFd
}

// poller blocks in poll(2) on behalf of the Registry.
//
// It works in lockstep with the Registry goroutine: the Registry sends one
// request, the poller waits for readiness, hands the revents back through
// deliver and then waits for the next request. A self-pipe lets the Registry
// interrupt a poll when the set of watches changes.
type poller struct {
	wakeR, wakeW int

	requests chan pollRequest
	deliver  func(req pollRequest, err error) bool

	closeOnce sync.Once
}

func newPoller(deliver func(req pollRequest, err error) bool) (*poller, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Join(errPollerClosed, err)
	}

	return &poller{
		wakeR:    pipe[0],
		wakeW:    pipe[1],
		requests: make(chan pollRequest, 1),
		deliver:  deliver,
	}, nil
}

// request hands a poll set to the poller goroutine. The Registry never has
// more than one request in flight so this never blocks.
func (p *poller) request(req pollRequest) {
	p.requests <- req
}

// wake interrupts an in-progress poll.
func (p *poller) wake() {
	// EAGAIN means a wake-up is already pending.
	_, _ = unix.Write(p.wakeW, []byte{0})
}

func (p *poller) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(p.wakeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// run serves poll requests until ctx is done. The caller closes the poller
// once run has returned.
func (p *poller) run(ctx context.Context) {
	for {
		var req pollRequest
		select {
		case <-ctx.Done():
			return
		case req = <-p.requests:
		}

		fds := make([]unix.PollFd, 0, len(req.fds)+1)
		fds = append(fds, req.fds...)
		fds = append(fds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN}) //nolint:gosec

		var err error
		for {
			_, err = unix.Poll(fds, -1)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}

		if fds[len(fds)-1].Revents != 0 {
			p.drainWake()
		}

		if ctx.Err() != nil {
			return
		}

		copy(req.fds, fds[:len(req.fds)])
		if !p.deliver(req, err) {
			return
		}
	}
}

func (p *poller) close() {
	p.closeOnce.Do(func() {
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
	})
}
