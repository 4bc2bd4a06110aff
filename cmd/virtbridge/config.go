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
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/host"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable holding the config file path.
	ConfigPathEnvKey = "VIRTBRIDGE_CONFIG_PATH"

	envLibvirtURI          = "VIRTBRIDGE_LIBVIRT_URI"
	envReconnectInterval   = "VIRTBRIDGE_RECONNECT_INTERVAL"
	envPerformanceInterval = "VIRTBRIDGE_PERFORMANCE_INTERVAL"
	envDevMode             = "VIRTBRIDGE_DEV_MODE"
	envVerbosity           = "VIRTBRIDGE_VERBOSITY"
)

// Config holds the configuration of virtbridge.
type Config struct {
	// LibvirtURI is the hypervisor connection URI.
	LibvirtURI string `json:"libvirtURI"`
	// ReconnectInterval is the period of connection attempts while disconnected.
	ReconnectInterval metav1.Duration `json:"reconnectInterval"`
	// PerformanceInterval is the period of the performance poll.
	PerformanceInterval metav1.Duration `json:"performanceInterval"`

	// NetworkConfigPath is the virtual network configuration imported on the
	// first connection. Defaults are imported when the file does not exist.
	NetworkConfigPath string `json:"networkConfigPath"`
	// ProblemReportDir receives guest crash reports.
	ProblemReportDir string `json:"problemReportDir"`
	// DefaultVMDirectory is where VMs without a known owner live.
	DefaultVMDirectory string `json:"defaultVmDirectory"`
	// Users are the principals VMs may be attributed to. When empty, VMs are
	// attributed to the user running virtbridge.
	Users []types.Owner `json:"users,omitempty"`

	MetricsServer MetricsServer `json:"metricsServer"`
	ProbesServer  ProbesServer  `json:"probesServer"`

	DevelopmentMode bool `json:"developmentMode"`
	// Verbosity enables debug log lines up to this level.
	Verbosity int `json:"verbosity"`
}

type MetricsServer struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

type ProbesServer struct {
	LivenessPath  string `json:"livenessPath"`
	ReadinessPath string `json:"readinessPath"`
	Port          int    `json:"port"`
}

// NewDefaultConfig returns the configuration used when no file is given.
func NewDefaultConfig() *Config {
	return &Config{
		LibvirtURI:          "qemu:///system",
		ReconnectInterval:   metav1.Duration{Duration: 5 * time.Second},
		PerformanceInterval: metav1.Duration{Duration: 10 * time.Second},
		NetworkConfigPath:   "/etc/virtbridge/networks.yaml",
		ProblemReportDir:    "/var/lib/virtbridge/reports",
		DefaultVMDirectory:  "/var/lib/virtbridge/vms",
		MetricsServer: MetricsServer{
			Path: "/metrics",
			Port: 8080,
		},
		ProbesServer: ProbesServer{
			LivenessPath:  "/healthz",
			ReadinessPath: "/readyz",
			Port:          8081,
		},
	}
}

// LoadConfig reads the YAML or JSON file at configPath over the defaults,
// then applies environment overrides. An empty configPath only applies the
// overrides.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	if val := os.Getenv(envLibvirtURI); val != "" {
		c.LibvirtURI = val
	}

	if val := os.Getenv(envReconnectInterval); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envReconnectInterval, err))
		}

		c.ReconnectInterval.Duration = d
	}

	if val := os.Getenv(envPerformanceInterval); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envPerformanceInterval, err))
		}

		c.PerformanceInterval.Duration = d
	}

	if val := os.Getenv(envDevMode); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}

	if val := os.Getenv(envVerbosity); val != "" {
		v, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envVerbosity, err))
		}

		c.Verbosity = v
	}

	return errors.Join(errs...)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.LibvirtURI == "" {
		errs = append(errs, errors.New("libvirtURI cannot be empty"))
	}

	if c.ReconnectInterval.Duration <= 0 {
		errs = append(errs, errors.New("reconnectInterval must be positive"))
	}

	if c.PerformanceInterval.Duration <= 0 {
		errs = append(errs, errors.New("performanceInterval must be positive"))
	}

	if c.NetworkConfigPath == "" {
		errs = append(errs, errors.New("networkConfigPath cannot be empty"))
	}

	if c.ProblemReportDir == "" {
		errs = append(errs, errors.New("problemReportDir cannot be empty"))
	}

	if c.DefaultVMDirectory == "" {
		errs = append(errs, errors.New("defaultVmDirectory cannot be empty"))
	}

	for i, u := range c.Users {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("users[%d].name cannot be empty", i))
		}
	}

	if c.MetricsServer.Port <= 0 {
		errs = append(errs, errors.New("metricsServer.port must be positive"))
	}

	if c.ProbesServer.Port <= 0 {
		errs = append(errs, errors.New("probesServer.port must be positive"))
	}

	if c.MetricsServer.Port == c.ProbesServer.Port {
		errs = append(errs, errors.New("metricsServer and probesServer cannot share a port"))
	}

	if c.Verbosity < 0 {
		errs = append(errs, errors.New("verbosity cannot be negative"))
	}

	return errors.Join(errs...)
}

// HostOptions converts the configuration to host options.
func (c *Config) HostOptions() host.Options {
	return host.Options{
		URI:                 c.LibvirtURI,
		ReconnectInterval:   c.ReconnectInterval.Duration,
		PerformanceInterval: c.PerformanceInterval.Duration,
		NetworkConfigPath:   c.NetworkConfigPath,
		ProblemReportDir:    c.ProblemReportDir,
		DefaultVMDirectory:  c.DefaultVMDirectory,
		Users:               c.Users,
	}
}
