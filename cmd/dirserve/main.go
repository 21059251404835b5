// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"mime"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.astrophena.name/dirserve/internal/cli"
	"go.astrophena.name/dirserve/internal/cli/restrict"
	"go.astrophena.name/dirserve/internal/fileserver"
	"go.astrophena.name/dirserve/internal/systemd"
	"go.astrophena.name/dirserve/internal/web"

	"github.com/landlock-lsm/go-landlock/landlock"
	"github.com/mattn/go-isatty"
)

const (
	defaultPort = 8000
	defaultDir  = ".dirserve"
)

var (
	errRootNotExist = errors.New("document root does not exist")
	errRootNotDir   = errors.New("document root is not a directory")
)

func main() { cli.Main(new(engine)) }

type engine struct {
	// configuration
	port int
	dir  string

	// used in tests
	noServerStart bool
	ready         func(net.Addr)
}

func (e *engine) Flags(fs *flag.FlagSet) {
	fs.IntVar(&e.port, "p", defaultPort, "Listen on `port`. 0 picks a free port.")
	fs.IntVar(&e.port, "port", defaultPort, "Same as -p.")
	fs.StringVar(&e.dir, "d", defaultDir, "Serve files from `dir`.")
	fs.StringVar(&e.dir, "directory", defaultDir, "Same as -d.")
}

func (e *engine) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	if len(env.Args) > 0 {
		return fmt.Errorf("%w: unexpected argument %q", cli.ErrInvalidArgs, env.Args[0])
	}
	if e.port < 0 || e.port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", cli.ErrInvalidArgs, e.port)
	}

	root, err := e.root()
	if err != nil {
		return err
	}

	h := web.AccessLog(env.Logf, colorize(env))(fileserver.New(fileserver.Config{
		Root: fileserver.DirFS(root),
	}))

	env.Logf("Serving %s on port %d.", root, e.port)

	if e.noServerStart {
		return nil
	}

	// Load the MIME and time zone tables before the sandbox hides them.
	mime.TypeByExtension(".html")
	_ = time.Now().Local()

	return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
		Addr:    net.JoinHostPort("", strconv.Itoa(e.port)),
		Handler: h,
		Logf:    env.Logf,
		Ready: func(addr net.Addr) {
			// The socket is already bound, so the sandbox doesn't need to allow
			// any network access.
			restrict.DoUnlessTesting(ctx, landlock.RODirs(root))
			systemd.Notify(ctx, systemd.Ready)
			go systemd.WatchdogLoop(ctx)
			if e.ready != nil {
				e.ready(addr)
			}
		},
		OnShutdown: func() { systemd.Notify(ctx, systemd.Stopping) },
	})
}

// root validates the document root and returns its absolute path.
func (e *engine) root() (string, error) {
	root, err := filepath.Abs(e.dir)
	if err != nil {
		return "", err
	}
	if realroot, err := filepath.EvalSymlinks(root); err == nil {
		root = realroot
	}

	fi, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", errRootNotExist, e.dir)
	}
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", errRootNotDir, e.dir)
	}
	return root, nil
}

func colorize(env *cli.Env) bool {
	if env.Getenv != nil && env.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := env.Stderr.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
