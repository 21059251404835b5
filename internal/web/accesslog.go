// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.astrophena.name/dirserve/internal/logger"

	"github.com/fatih/color"
)

const clfTimeFormat = "02/Jan/2006:15:04:05 -0700"

// AccessLog returns a middleware that logs every request with logf in the
// Common Log Format:
//
//	127.0.0.1 - - [10/Oct/2024:13:55:36 +0000] "GET /index.html HTTP/1.1" 200 2326
//
// If colorize is true, status codes are colored by their class.
func AccessLog(logf logger.Logf, colorize bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			logf("%s", formatAccessLine(r, rec.statusCode(), rec.size, start, colorize))
		})
	}
}

func formatAccessLine(r *http.Request, status int, size int64, t time.Time, colorize bool) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "-"
	}
	user := "-"
	if r.URL.User != nil {
		if name := r.URL.User.Username(); name != "" {
			user = name
		}
	}
	bytes := "-"
	if size > 0 {
		bytes = strconv.FormatInt(size, 10)
	}
	return host + " - " + user + " [" + t.Format(clfTimeFormat) + "] " +
		strconv.Quote(r.Method+" "+r.RequestURI+" "+r.Proto) + " " +
		statusColor(status, colorize).Sprint(status) + " " + bytes
}

func statusColor(status int, colorize bool) *color.Color {
	var c *color.Color
	switch {
	case status >= 500:
		c = color.New(color.FgRed, color.Bold)
	case status >= 400:
		c = color.New(color.FgYellow)
	case status >= 300:
		c = color.New(color.FgCyan)
	default:
		c = color.New(color.FgGreen)
	}
	if colorize {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

// statusRecorder records the status code and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.size += int64(n)
	return n, err
}

// ReadFrom keeps the underlying writer's io.ReaderFrom (sendfile) path
// reachable for http.ServeContent.
func (sr *statusRecorder) ReadFrom(src io.Reader) (int64, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	var (
		n   int64
		err error
	)
	if rf, ok := sr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(src)
	} else {
		n, err = io.Copy(sr.ResponseWriter, src)
	}
	sr.size += n
	return n, err
}

func (sr *statusRecorder) statusCode() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }
