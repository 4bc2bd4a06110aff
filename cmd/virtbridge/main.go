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
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/alexandremahdhaoui/virtbridge/internal/host"
	"github.com/alexandremahdhaoui/virtbridge/internal/hypervisor"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/httputil"
	"github.com/alexandremahdhaoui/virtbridge/internal/util/logging"
)

const (
	Name = "virtbridge"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// ------------------------------------------------- Commands ------------------------------------------------------- //

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          Name,
		Short:        "Bridges libvirt domain events into the VM state model",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCommand(), newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		},
	}
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event bridge until SIGTERM or SIGINT",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv(ConfigPathEnvKey)
			}

			config, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			run(config)

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "",
		fmt.Sprintf("path to the configuration file (env %s)", ConfigPathEnvKey))

	return cmd
}

// ------------------------------------------------- Run ------------------------------------------------------------ //

func run(config *Config) {
	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	log := logging.Setup(logging.Options{
		Development: config.DevelopmentMode,
		Level:       slog.LevelInfo,
		Verbosity:   config.Verbosity,
	})

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// --------------------------------------------- Host ----------------------------------------------------------- //

	opts := config.HostOptions()
	opts.BindEvents = hypervisor.RegisterEventImpl

	h, err := host.New(log, clock.RealClock{}, hypervisor.NewConnector(log), opts)
	if err != nil {
		slog.ErrorContext(ctx, "creating host", "error", err.Error())
		gs.Shutdown(1)

		return
	}

	gs.Go("host", h.Run)

	// --------------------------------------------- Servers -------------------------------------------------------- //

	httputil.Serve(map[string]*http.Server{
		"metrics": setupMetricsServer(config),
		"probes":  setupProbesServer(config, h),
	}, gs)

	gs.Ready()

	<-ctx.Done()

	// Exits once every component stopped.
	gs.Shutdown(0)
}
