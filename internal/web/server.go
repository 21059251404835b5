// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.astrophena.name/dirserve/internal/cli"
	"go.astrophena.name/dirserve/internal/logger"
	"go.astrophena.name/dirserve/internal/version"
)

// ListenAndServeConfig is used to configure the HTTP server started by
// [ListenAndServe].
//
// All fields of ListenAndServeConfig can't be modified after [ListenAndServe]
// is called.
type ListenAndServeConfig struct {
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Handler is a http.Handler to serve.
	Handler http.Handler
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
	// Ready is an optional function that is called with the listener address
	// after the socket is bound and before any request is served.
	Ready func(net.Addr)
	// OnShutdown is an optional function that is called once ctx is done,
	// before the server stops accepting connections. ListenAndServe doesn't
	// return until it completes.
	OnShutdown func()
	// ShutdownTimeout limits how long in-flight requests may take to
	// complete after ctx is done. Zero means 30 seconds.
	ShutdownTimeout time.Duration
}

var (
	errNoAddr     = errors.New("c.Addr is empty")
	errNilHandler = errors.New("c.Handler is nil")
)

// ListenAndServe starts the HTTP server based on the provided
// [ListenAndServeConfig] and serves until ctx is done. Then it stops accepting
// new connections, waits for in-flight requests to complete and returns nil.
//
// Requests are served with contexts derived from ctx, but not canceled when
// ctx is.
func ListenAndServe(ctx context.Context, c *ListenAndServeConfig) error {
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	if c.Addr == "" {
		return errNoAddr
	}
	if c.Handler == nil {
		return errNilHandler
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	l, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer l.Close()
	c.Logf("Listening on %s...", l.Addr().String())

	// Handlers log through the environment, so make sure there is one.
	baseCtx := cli.WithEnv(context.WithoutCancel(ctx), cli.GetEnv(ctx))

	s := &http.Server{
		ErrorLog:          log.New(c.Logf, "", 0),
		Handler:           setHeaders(c.Handler),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Ready runs before the first request is accepted; connections made in
	// the meantime wait in the listen backlog.
	if c.Ready != nil {
		c.Ready(l.Addr())
	}

	errCh := make(chan error, 1)

	go func() {
		if err := s.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				errCh <- err
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		c.Logf("Gracefully shutting down...")
		if c.OnShutdown != nil {
			c.OnShutdown()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}

func setHeaders(next http.Handler) http.Handler {
	server := version.Product()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", server)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}
