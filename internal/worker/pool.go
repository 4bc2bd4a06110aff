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

// Package worker runs reconciliation tasks on an unbounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrTaskPanicked = errors.New("task panicked")

var (
	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "worker",
		Name:      "tasks_in_flight",
		Help:      "Number of tasks currently running.",
	})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Number of finished tasks by name and result.",
	}, []string{"task", "result"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "virtbridge",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Duration of tasks by name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})
)

// Task is a unit of work. Its error is logged and handed to the pool's
// ErrorHandler, never propagated to the submitter.
type Task func(ctx context.Context) error

// ErrorHandler receives the error of a failed or panicking task.
type ErrorHandler func(task string, err error)

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler sets the handler of failed tasks.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) { p.onError = fn }
}

// Pool runs every submitted task on its own goroutine. There is no ordering
// between tasks and no bound on concurrency.
type Pool struct {
	log     logr.Logger
	ctx     context.Context
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool returns a Pool whose tasks receive ctx.
func NewPool(ctx context.Context, log logr.Logger, opts ...Option) *Pool {
	p := &Pool{
		log:     log.WithName("worker"),
		ctx:     ctx,
		onError: func(string, error) {},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Submit starts task. It returns false once the pool is closed.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.log.V(1).Info("pool closed, dropping task", "task", name)
		return false
	}

	p.wg.Add(1)
	inFlightGauge.Inc()

	go func() {
		defer p.wg.Done()
		defer inFlightGauge.Dec()

		p.run(name, task)
	}()

	return true
}

func (p *Pool) run(name string, task Task) {
	start := time.Now()
	result := "success"

	defer func() {
		if rec := recover(); rec != nil {
			result = "panic"
			err := fmt.Errorf("%w: %v", ErrTaskPanicked, rec)
			p.log.Error(err, "task panicked", "task", name)
			p.onError(name, err)
		}

		tasksTotal.WithLabelValues(name, result).Inc()
		taskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if err := task(p.ctx); err != nil {
		result = "failure"
		p.log.V(1).Info("task failed", "task", name, "err", err.Error())
		p.onError(name, err)
	}
}

// Close stops accepting tasks and waits for the running ones to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}
