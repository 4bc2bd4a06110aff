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

package main

import (
	"fmt"
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// ReadinessChecker reports whether virtbridge can serve. host.Host
// implements it.
type ReadinessChecker interface {
	Ready() error
}

func setupProbesServer(config *Config, readiness ReadinessChecker) *http.Server {
	mux := http.NewServeMux()

	probe := func(path string, checks map[string]healthz.Checker) {
		mux.Handle(path, http.StripPrefix(path, &healthz.Handler{Checks: checks}))
	}

	probe(config.ProbesServer.LivenessPath, map[string]healthz.Checker{
		"ping": healthz.Ping,
	})
	probe(config.ProbesServer.ReadinessPath, map[string]healthz.Checker{
		"hypervisor": func(*http.Request) error { return readiness.Ready() },
	})

	return &http.Server{ //nolint:exhaustruct
		Addr:    fmt.Sprintf(":%d", config.ProbesServer.Port),
		Handler: mux,
	}
}
