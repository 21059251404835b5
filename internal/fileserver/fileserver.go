// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package fileserver implements an HTTP handler that serves files from a
// document root.
//
// Request paths are mapped to files under the root. A request for a
// directory is answered with the first existing index file of that directory
// (by default response.json, then index.html). Paths that try to escape the
// root with ".." elements are rejected with 403 Forbidden.
package fileserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"go.astrophena.name/dirserve/internal/web"

	"github.com/spf13/afero"
)

// DefaultIndex is the list of index file names tried, in order, when a
// directory is requested.
var DefaultIndex = []string{"response.json", "index.html"}

// DefaultHidden is the list of name patterns (in [path.Match] syntax) that
// are never served.
var DefaultHidden = []string{".ht*", "*~"}

const allowedMethods = "GET, HEAD, OPTIONS"

// Config configures a [Handler].
type Config struct {
	// Root is the document root.
	Root fs.FS
	// Index overrides DefaultIndex if not nil.
	Index []string
	// Hidden overrides DefaultHidden if not nil.
	Hidden []string
}

// Handler is an [http.Handler] that serves files from the document root.
type Handler struct {
	root   fs.FS
	index  []string
	hidden []string
}

// New returns a new Handler.
func New(c Config) *Handler {
	h := &Handler{
		root:   c.Root,
		index:  c.Index,
		hidden: c.Hidden,
	}
	if h.index == nil {
		h.index = DefaultIndex
	}
	if h.hidden == nil {
		h.hidden = DefaultHidden
	}
	return h
}

// DirFS returns a read-only file system for the tree of files rooted at the
// directory dir. Names are resolved strictly inside dir, and symbolic links
// that point outside of it are reported as fs.ErrPermission.
func DirFS(dir string) fs.FS {
	root, err := filepath.Abs(dir)
	if err != nil {
		root = dir
	}
	if realroot, err := filepath.EvalSymlinks(root); err == nil {
		root = realroot
	}
	return &dirFS{
		fsys: afero.NewIOFS(afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))),
		root: root,
	}
}

// dirFS only exposes Open and Stat, so that every access goes through
// confine.
type dirFS struct {
	fsys afero.IOFS
	root string // absolute, symlinks evaluated
}

func (d *dirFS) Open(name string) (fs.File, error) {
	if err := d.confine("open", name); err != nil {
		return nil, err
	}
	return d.fsys.Open(name)
}

func (d *dirFS) Stat(name string) (fs.FileInfo, error) {
	if err := d.confine("stat", name); err != nil {
		return nil, err
	}
	return d.fsys.Stat(name)
}

// confine rejects names whose real path lies outside of the root.
func (d *dirFS) confine(op, name string) error {
	if !fs.ValidPath(name) {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(d.root, filepath.FromSlash(name)))
	if err != nil {
		// Missing names are reported by the underlying file system.
		return nil
	}
	rel, err := filepath.Rel(d.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrPermission}
	}
	return nil
}

// ServeHTTP implements the [http.Handler] interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Allow", allowedMethods)
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", allowedMethods)
		respondError(w, r, fmt.Errorf("%w: %s", web.ErrMethodNotAllowed, r.Method))
		return
	}

	name, err := h.resolve(r.URL.Path)
	if err != nil {
		respondError(w, r, err)
		return
	}

	fi, err := fs.Stat(h.root, name)
	if err != nil {
		respondError(w, r, classify(name, err))
		return
	}

	if fi.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			redirectToDir(w, r)
			return
		}
		name, fi, err = h.findIndex(name)
		if err != nil {
			respondError(w, r, err)
			return
		}
	}

	if !fi.Mode().IsRegular() {
		respondError(w, r, fmt.Errorf("%w: %s is not a regular file", web.ErrForbidden, name))
		return
	}

	h.serveFile(w, r, name, fi)
}

// resolve maps the URL path to a name in the document root.
func (h *Handler) resolve(urlPath string) (string, error) {
	if urlPath == "" || urlPath[0] != '/' {
		return "", fmt.Errorf("%w: path %q is not absolute", web.ErrBadRequest, urlPath)
	}
	if strings.IndexByte(urlPath, 0) >= 0 {
		return "", fmt.Errorf("%w: path contains NUL byte", web.ErrBadRequest)
	}

	// Backslashes are separators on Windows, so treat them as such everywhere.
	var depth int
	elems := strings.FieldsFunc(urlPath, func(r rune) bool { return r == '/' || r == '\\' })
	for _, elem := range elems {
		switch elem {
		case ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return "", fmt.Errorf("%w: path %q escapes the document root", web.ErrForbidden, urlPath)
			}
			continue
		}
		depth++
		if h.isHidden(elem) {
			return "", fmt.Errorf("%w: %s", web.ErrNotFound, urlPath)
		}
	}

	name := strings.TrimPrefix(path.Clean(urlPath), "/")
	if name == "" {
		name = "."
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("%w: invalid path %q", web.ErrBadRequest, urlPath)
	}
	return name, nil
}

func (h *Handler) isHidden(elem string) bool {
	for _, pattern := range h.hidden {
		if ok, _ := path.Match(pattern, elem); ok {
			return true
		}
	}
	return false
}

// findIndex returns the first index file of the directory dir that exists
// and is a regular file.
func (h *Handler) findIndex(dir string) (string, fs.FileInfo, error) {
	for _, index := range h.index {
		name := path.Join(dir, index)
		fi, err := fs.Stat(h.root, name)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return "", nil, classify(name, err)
		}
		if fi.Mode().IsRegular() {
			return name, fi, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no index file in %s", web.ErrNotFound, dir)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string, fi fs.FileInfo) {
	f, err := h.root.Open(name)
	if err != nil {
		respondError(w, r, classify(name, err))
		return
	}
	defer f.Close()

	content, ok := f.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(f)
		if err != nil {
			respondError(w, r, classify(name, err))
			return
		}
		content = bytes.NewReader(b)
	}

	// ServeContent infers Content-Type from the name's extension, falling
	// back to sniffing the content.
	http.ServeContent(w, r, path.Base(name), fi.ModTime(), content)
}

// redirectToDir redirects to the same path with a trailing slash. The
// redirect is relative so that a path like "//example.com" can't turn it
// into a redirect to another host.
func redirectToDir(w http.ResponseWriter, r *http.Request) {
	target := "./" + url.PathEscape(path.Base(r.URL.Path)) + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusMovedPermanently)
}

func isNotExist(err error) bool {
	// Opening "file.txt/child" on disk reports ENOTDIR.
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// classify wraps err with the web.StatusErr it should be reported as.
func classify(name string, err error) error {
	switch {
	case isNotExist(err):
		return fmt.Errorf("%w: %s", web.ErrNotFound, name)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", web.ErrForbidden, name)
	case errors.Is(err, fs.ErrInvalid):
		return fmt.Errorf("%w: %s", web.ErrBadRequest, name)
	}
	return fmt.Errorf("reading %s: %w", name, err)
}

// respondError replies with a JSON error to clients that prefer JSON and
// with an HTML error page otherwise.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	if wantsJSON(r) {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondError(w, r, err)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
