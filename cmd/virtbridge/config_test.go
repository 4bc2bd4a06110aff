//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "qemu:///system", config.LibvirtURI)
	assert.Equal(t, 5*time.Second, config.ReconnectInterval.Duration)
	assert.Equal(t, 10*time.Second, config.PerformanceInterval.Duration)
	assert.Equal(t, "/metrics", config.MetricsServer.Path)
	assert.Equal(t, 8080, config.MetricsServer.Port)
	assert.Equal(t, 8081, config.ProbesServer.Port)
	assert.Empty(t, config.Users)
	assert.False(t, config.DevelopmentMode)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
libvirtURI: qemu+ssh://root@hv1/system
reconnectInterval: 30s
performanceInterval: 1m
networkConfigPath: /srv/virtbridge/networks.yaml
problemReportDir: /srv/virtbridge/reports
defaultVmDirectory: /srv/vms
users:
  - name: alice
    uid: 1000
    home: /srv/vms
metricsServer:
  path: /prom
  port: 9090
probesServer:
  livenessPath: /live
  readinessPath: /ready
  port: 9091
developmentMode: true
verbosity: 2
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "qemu+ssh://root@hv1/system", config.LibvirtURI)
	assert.Equal(t, 30*time.Second, config.ReconnectInterval.Duration)
	assert.Equal(t, time.Minute, config.PerformanceInterval.Duration)
	assert.Equal(t, []types.Owner{{Name: "alice", UID: 1000, Home: "/srv/vms"}}, config.Users)
	assert.Equal(t, "/prom", config.MetricsServer.Path)
	assert.Equal(t, "/ready", config.ProbesServer.ReadinessPath)
	assert.True(t, config.DevelopmentMode)
	assert.Equal(t, 2, config.Verbosity)

	opts := config.HostOptions()
	assert.Equal(t, config.LibvirtURI, opts.URI)
	assert.Equal(t, 30*time.Second, opts.ReconnectInterval)
	assert.Equal(t, "/srv/vms", opts.DefaultVMDirectory)
	assert.Nil(t, opts.BindEvents)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "libvirtURI: [unterminated"))
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("VIRTBRIDGE_LIBVIRT_URI", "test:///default")
	t.Setenv("VIRTBRIDGE_RECONNECT_INTERVAL", "1s")
	t.Setenv("VIRTBRIDGE_PERFORMANCE_INTERVAL", "3s")
	t.Setenv("VIRTBRIDGE_DEV_MODE", "yes")
	t.Setenv("VIRTBRIDGE_VERBOSITY", "1")

	config, err := LoadConfig(writeConfig(t, "libvirtURI: qemu:///session\n"))
	require.NoError(t, err)

	assert.Equal(t, "test:///default", config.LibvirtURI)
	assert.Equal(t, time.Second, config.ReconnectInterval.Duration)
	assert.Equal(t, 3*time.Second, config.PerformanceInterval.Duration)
	assert.True(t, config.DevelopmentMode)
	assert.Equal(t, 1, config.Verbosity)
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	t.Setenv("VIRTBRIDGE_RECONNECT_INTERVAL", "soon")

	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "VIRTBRIDGE_RECONNECT_INTERVAL")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"empty uri", func(c *Config) { c.LibvirtURI = "" }, "libvirtURI"},
		{"zero reconnect interval", func(c *Config) { c.ReconnectInterval.Duration = 0 }, "reconnectInterval"},
		{"negative performance interval", func(c *Config) { c.PerformanceInterval.Duration = -time.Second }, "performanceInterval"},
		{"empty network config path", func(c *Config) { c.NetworkConfigPath = "" }, "networkConfigPath"},
		{"empty report dir", func(c *Config) { c.ProblemReportDir = "" }, "problemReportDir"},
		{"empty vm directory", func(c *Config) { c.DefaultVMDirectory = "" }, "defaultVmDirectory"},
		{"unnamed user", func(c *Config) { c.Users = []types.Owner{{UID: 1000}} }, "users[0].name"},
		{"shared port", func(c *Config) { c.ProbesServer.Port = c.MetricsServer.Port }, "share a port"},
		{"negative verbosity", func(c *Config) { c.Verbosity = -1 }, "verbosity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)

			assert.ErrorContains(t, config.Validate(), tt.errMsg)
		})
	}

	t.Run("every error is reported", func(t *testing.T) {
		config := NewDefaultConfig()
		config.LibvirtURI = ""
		config.ProblemReportDir = ""

		err := config.Validate()
		assert.ErrorContains(t, err, "libvirtURI")
		assert.ErrorContains(t, err, "problemReportDir")
	})
}
