// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Dirserve serves static files from a directory over HTTP.

# Usage

	$ dirserve [-p|--port PORT] [-d|--directory DIR]

Dirserve listens on PORT (8000 by default) on all interfaces and serves files
from DIR (.dirserve in the current directory by default).

When a directory is requested, the first of response.json and index.html
found in it is served. Requests for paths outside of DIR are rejected with
403 Forbidden. Files named like .ht* or *~ are never served.

Every request is logged to stderr in the Common Log Format. Set NO_COLOR to
disable colored status codes.

On Linux dirserve restricts itself with Landlock to read-only access to DIR
once it starts listening. Under systemd it reports readiness and updates the
watchdog timestamp through sd_notify.

Press Ctrl+C to stop: dirserve stops accepting new connections, waits for
in-flight requests to complete and exits.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/dirserve/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
