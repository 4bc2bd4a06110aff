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

// Package httputil runs the HTTP servers of a process on a graceful
// shutdown.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/virtbridge/internal/util/gracefulshutdown"
)

const shutdownTimeout = time.Minute

type serverNameKey struct{}

// ServerName returns the name of the server handling the request whose
// context is ctx.
func ServerName(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey{}).(string)
	return name
}

// Serve runs every server on gs. A server failing to listen shuts the
// process down with exit code 1. Servers are shut down once the gs context is
// done. Serve does not call gs.Ready.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		gs.Go(name, func(ctx context.Context) error {
			ctx = context.WithValue(ctx, serverNameKey{}, name)
			server.BaseContext = func(net.Listener) context.Context { return ctx }

			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				<-ctx.Done()

				shutdownCtx, cancel := context.WithTimeout(
					context.WithValue(context.Background(), serverNameKey{}, name),
					shutdownTimeout,
				)
				defer cancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.ErrorContext(shutdownCtx, "❌ cannot shut down server", "server", name, "error", err)
					return
				}

				slog.Info("✅ gracefully shut down server", "server", name)
			}()

			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			<-stopped

			return nil
		})
	}
}
