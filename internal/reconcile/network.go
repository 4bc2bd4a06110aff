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

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sigs.k8s.io/yaml"
)

const markerPrefix = "digested."

var (
	errReadNetworkConfig  = errors.New("cannot read network configuration")
	errWriteMarker        = errors.New("cannot write network import marker")
	errRegisterNetwork    = errors.New("cannot register virtual network")
	errNetworkConfigEmpty = errors.New("network configuration path is empty")

	networksRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "virtbridge",
		Subsystem: "reconcile",
		Name:      "networks_registered_total",
		Help:      "Number of virtual networks registered by the network import.",
	})
)

// NetworkRegistrar registers a virtual network with the hypervisor.
// hypervisor.Conn implements it.
type NetworkRegistrar interface {
	RegisterVirtualNetwork(ctx context.Context, network types.VirtualNetwork) error
}

// NetworkImport registers the host virtual networks once per host. Completion
// is recorded by a marker file next to the network configuration file; the
// marker holds the configuration that was imported.
type NetworkImport struct {
	log        logr.Logger
	configPath string
}

func NewNetworkImport(log logr.Logger, configPath string) *NetworkImport {
	return &NetworkImport{
		log:        log.WithName("network-import"),
		configPath: configPath,
	}
}

// MarkerPath returns the path of the marker file.
func (n *NetworkImport) MarkerPath() string {
	return filepath.Join(filepath.Dir(n.configPath), markerPrefix+filepath.Base(n.configPath))
}

// Run imports the networks unless the marker exists. A failure leaves no
// marker behind, so the import is attempted again on the next run.
func (n *NetworkImport) Run(ctx context.Context, registrar NetworkRegistrar) error {
	if n.configPath == "" {
		return errNetworkConfigEmpty
	}

	marker := n.MarkerPath()
	if _, err := os.Stat(marker); err == nil {
		n.log.V(1).Info("virtual networks already imported", "marker", marker)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return errors.Join(errWriteMarker, err)
	}

	cfg, err := n.readConfig()
	if err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Join(errWriteMarker, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(marker), filepath.Base(marker)+".*")
	if err != nil {
		return errors.Join(errWriteMarker, err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Join(errWriteMarker, err)
	}

	if err := tmp.Close(); err != nil {
		return errors.Join(errWriteMarker, err)
	}

	for _, network := range cfg.Networks {
		if !network.Enabled {
			continue
		}

		if err := registrar.RegisterVirtualNetwork(ctx, network); err != nil {
			return errors.Join(errRegisterNetwork, fmt.Errorf("network %q: %w", network.Name, err))
		}

		networksRegisteredTotal.Inc()
		n.log.Info("virtual network registered", "network", network.Name, "mode", network.Mode)
	}

	if err := os.Rename(tmp.Name(), marker); err != nil {
		return errors.Join(errWriteMarker, err)
	}

	committed = true

	return nil
}

// readConfig reads the network configuration. A missing file yields the
// default configuration.
func (n *NetworkImport) readConfig() (types.NetworkConfig, error) {
	b, err := os.ReadFile(n.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		n.log.Info("network configuration not found, using defaults", "path", n.configPath)
		return types.DefaultNetworkConfig(), nil
	} else if err != nil {
		return types.NetworkConfig{}, errors.Join(errReadNetworkConfig, err)
	}

	var cfg types.NetworkConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return types.NetworkConfig{}, errors.Join(errReadNetworkConfig, err)
	}

	return cfg, nil
}
