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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	handlesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "virtbridge",
		Subsystem: "eventloop",
		Name:      "handles",
		Help:      "Number of live handles registered in the event loop.",
	}, []string{"kind"})

	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "eventloop",
		Name:      "callbacks_total",
		Help:      "Number of callbacks invoked by the event loop.",
	}, []string{"kind"})

	callbackPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "eventloop",
		Name:      "callback_panics_total",
		Help:      "Number of callbacks that panicked.",
	}, []string{"kind"})

	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "eventloop",
		Name:      "reclaimed_total",
		Help:      "Number of handles whose destructor ran after removal.",
	})
)
