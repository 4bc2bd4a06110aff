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

// Package logging configures the loggers of the virtbridge daemon: log/slog
// for process-level lines and a zap-backed logr.Logger handed to every
// component.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configures the loggers.
type Options struct {
	// Development switches both loggers to human-readable output.
	Development bool

	// Level is the minimum slog level.
	Level slog.Level

	// Verbosity enables logr V(n) lines up to n.
	Verbosity int

	// Output defaults to os.Stdout.
	Output io.Writer
}

// DefaultOptions returns production options.
func DefaultOptions() Options {
	return Options{Level: slog.LevelInfo}
}

// Setup sets the default slog logger and the controller-runtime logger, and
// returns the latter. Call it first thing in main.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler = slog.NewJSONHandler(out, handlerOpts)
	if opts.Development {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	slog.SetDefault(slog.New(handler))

	verbosity := max(opts.Verbosity, 0)

	logger := zap.New(
		zap.UseDevMode(opts.Development),
		zap.WriteTo(out),
		// logr V(n) maps to zap level -n.
		zap.Level(zapcore.Level(-verbosity)),
	)
	ctrl.SetLogger(logger)

	return logger
}
