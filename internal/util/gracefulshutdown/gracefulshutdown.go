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

// Package gracefulshutdown ties the long-running parts of a process to one
// signal-aware context. Components started with Go are awaited before the
// process exits.
package gracefulshutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// GracefulShutdown owns the process context and the WaitGroup of every
// component started on it.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// closed by Ready once every component was added to wg.
	ready chan struct{}

	exitFunc func(int)
}

// NewWithExit returns a GracefulShutdown calling exitFunc instead of os.Exit.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		ready:    make(chan struct{}),
		exitFunc: exitFunc,
	}

	// Shutdown always runs once the context is done, e.g. on SIGTERM.
	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
		case <-ctx.Done():
			slog.Warn("context canceled before every component was started", "name", name)
		}

		gs.Shutdown(0)
	}()

	return gs
}

// New returns a GracefulShutdown whose context is canceled by SIGTERM or
// SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Go runs fn on its own goroutine with the shutdown context. When fn returns,
// a shutdown is initiated: exit code 1 if fn failed, 0 otherwise.
func (s *GracefulShutdown) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)

	go func() {
		err := fn(s.ctx)

		// Done must come first: Shutdown waits on wg.
		s.wg.Done()

		if err != nil {
			slog.ErrorContext(s.ctx, "❌ component failed", "component", name, "error", err)
			s.Shutdown(1)

			return
		}

		s.Shutdown(0)
	}()
}

// Shutdown cancels the context, waits for every component and exits with
// exitCode. Only the first call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.InfoContext(s.ctx, fmt.Sprintf("⌛ gracefully shutting down %s", s.name))

		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

// Context returns the shutdown context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the function canceling the shutdown context.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the WaitGroup awaited by Shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that every component was started. It is safe to call more
// than once.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
