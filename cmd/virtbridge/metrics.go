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

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func setupMetricsServer(config *Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(config.MetricsServer.Path, promhttp.Handler())

	return &http.Server{ //nolint:exhaustruct
		Addr:    fmt.Sprintf(":%d", config.MetricsServer.Port),
		Handler: mux,
	}
}
