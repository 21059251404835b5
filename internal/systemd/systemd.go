// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd enables applications to signal readiness and update watchdog
// timestamp to systemd.
//
// The environment (NOTIFY_SOCKET, WATCHDOG_USEC) is read from the
// [cli.Env] carried by the context. Outside of systemd everything here is a
// no-op.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.astrophena.name/dirserve/internal/cli"
)

// State defines a sd-notify protocol state.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
type State string

const (
	// Ready tells the service manager that service startup is
	// finished, or the service finished loading its configuration.
	// See https://www.freedesktop.org/software/systemd/man/sd_notify.html#READY=1.
	Ready State = "READY=1"

	// Stopping tells the service manager that the service is beginning its
	// shutdown.
	// See https://www.freedesktop.org/software/systemd/man/sd_notify.html#STOPPING=1.
	Stopping State = "STOPPING=1"

	// Watchdog tells the service manager to update the watchdog timestamp.
	// See https://www.freedesktop.org/software/systemd/man/sd_notify.html#WATCHDOG=1.
	Watchdog State = "WATCHDOG=1"
)

// Notify sends a message to systemd using the sd_notify protocol. If there is
// an error, it will be logged.
func Notify(ctx context.Context, state State) {
	env := cli.GetEnv(ctx)

	addr := &net.UnixAddr{
		Net:  "unixgram",
		Name: getenv(env, "NOTIFY_SOCKET"),
	}

	if addr.Name == "" {
		// We're not running under systemd (NOTIFY_SOCKET is not set).
		return
	}

	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		env.Logf("systemd: failed when notifying: %v", err)
		return
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		env.Logf("systemd: failed when notifying: %v", err)
		return
	}
}

// WatchdogLoop periodically updates systemd watchdog timestamp. It should run in
// a separate goroutine and can be stopped by canceling the provided [context.Context].
// If there are any errors, they will be logged.
func WatchdogLoop(ctx context.Context) {
	env := cli.GetEnv(ctx)

	usec := getenv(env, "WATCHDOG_USEC")
	if usec == "" {
		return
	}

	interval, err := watchdogInterval(usec)
	if err != nil {
		env.Logf("%v", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			Notify(ctx, Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

// watchdogInterval returns half of the watchdog timeout, as recommended by
// sd_watchdog_enabled(3).
func watchdogInterval(usec string) (time.Duration, error) {
	s, err := strconv.Atoi(usec)
	if err != nil {
		return 0, fmt.Errorf("systemd: error converting WATCHDOG_USEC: %v", err)
	}

	if s <= 0 {
		return 0, errors.New("systemd: error WATCHDOG_USEC must be a positive number")
	}

	return time.Duration(s) * time.Microsecond / 2, nil
}

func getenv(env *cli.Env, key string) string {
	if env.Getenv == nil {
		return ""
	}
	return env.Getenv(key)
}
