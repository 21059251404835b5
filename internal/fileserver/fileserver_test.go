// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package fileserver

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"go.astrophena.name/dirserve/internal/cli"
	"go.astrophena.name/dirserve/internal/testutil"
)

func TestServe(t *testing.T) {
	root := testutil.ExtractTxtarFile(t, filepath.Join("testdata", "root.txtar"))
	h := New(Config{Root: DirFS(root)})

	cases := map[string]struct {
		method          string
		path            string
		header          map[string]string
		wantStatus      int
		wantFile        string // compared byte by byte with the response body
		wantInBody      string
		wantContentType string
		wantHeader      map[string]string
	}{
		"root index": {
			path:            "/",
			wantStatus:      http.StatusOK,
			wantFile:        "index.html",
			wantContentType: "text/html; charset=utf-8",
		},
		"plain file": {
			path:            "/hello.txt",
			wantStatus:      http.StatusOK,
			wantFile:        "hello.txt",
			wantContentType: "text/plain; charset=utf-8",
		},
		"json file": {
			path:            "/data/users.json",
			wantStatus:      http.StatusOK,
			wantFile:        "data/users.json",
			wantContentType: "application/json",
		},
		"response.json wins over index.html": {
			path:            "/api/v1/",
			wantStatus:      http.StatusOK,
			wantFile:        "api/v1/response.json",
			wantContentType: "application/json",
		},
		"index.html when there is no response.json": {
			path:       "/site/",
			wantStatus: http.StatusOK,
			wantFile:   "site/index.html",
		},
		"directory without trailing slash redirects": {
			path:       "/site?v=1",
			wantStatus: http.StatusMovedPermanently,
			wantHeader: map[string]string{"Location": "./site/?v=1"},
		},
		"directory without index": {
			path:       "/empty/",
			wantStatus: http.StatusNotFound,
			wantInBody: "404 Not Found",
		},
		"not found": {
			path:       "/nope.txt",
			wantStatus: http.StatusNotFound,
			wantInBody: "404 Not Found",
		},
		"file used as directory": {
			path:       "/hello.txt/child",
			wantStatus: http.StatusNotFound,
		},
		"traversal": {
			path:       "/../../etc/passwd",
			wantStatus: http.StatusForbidden,
			wantInBody: "403 Forbidden",
		},
		"encoded traversal": {
			path:       "/%2e%2e/%2e%2e/etc/passwd",
			wantStatus: http.StatusForbidden,
		},
		"traversal with backslashes": {
			path:       "/..%5c..%5cetc%5cpasswd",
			wantStatus: http.StatusForbidden,
		},
		"dot-dot staying inside the root": {
			path:       "/site/../hello.txt",
			wantStatus: http.StatusOK,
			wantFile:   "hello.txt",
		},
		"htaccess is hidden": {
			path:       "/.htaccess",
			wantStatus: http.StatusNotFound,
		},
		"backup file is hidden": {
			path:       "/notes.txt~",
			wantStatus: http.StatusNotFound,
		},
		"NUL byte": {
			path:       "/hello%00.txt",
			wantStatus: http.StatusBadRequest,
			wantInBody: "400 Bad Request",
		},
		"HEAD": {
			method:     http.MethodHead,
			path:       "/hello.txt",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{"Content-Length": "14"},
		},
		"OPTIONS": {
			method:     http.MethodOptions,
			path:       "/",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{"Allow": "GET, HEAD, OPTIONS"},
		},
		"POST": {
			method:     http.MethodPost,
			path:       "/hello.txt",
			wantStatus: http.StatusMethodNotAllowed,
			wantHeader: map[string]string{"Allow": "GET, HEAD, OPTIONS"},
		},
		"JSON error for JSON clients": {
			path:            "/api/v2/",
			header:          map[string]string{"Accept": "application/json"},
			wantStatus:      http.StatusNotFound,
			wantInBody:      `"error": "not found: api/v2"`,
			wantContentType: "application/json",
		},
		"range": {
			path:       "/hello.txt",
			header:     map[string]string{"Range": "bytes=0-4"},
			wantStatus: http.StatusPartialContent,
			wantInBody: "Hello",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			method := tc.method
			if method == "" {
				method = http.MethodGet
			}
			r := httptest.NewRequestWithContext(testContext(t), method, tc.path, nil)
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			if tc.wantFile != "" {
				want, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(tc.wantFile)))
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(w.Body.Bytes(), want) {
					t.Errorf("body must be the content of %s (%q), got %q", tc.wantFile, want, w.Body.String())
				}
			}
			if tc.wantInBody != "" && !strings.Contains(w.Body.String(), tc.wantInBody) {
				t.Errorf("body must contain %q, got %q", tc.wantInBody, w.Body.String())
			}
			if tc.wantContentType != "" {
				testutil.AssertEqual(t, w.Result().Header.Get("Content-Type"), tc.wantContentType)
			}
			for k, v := range tc.wantHeader {
				testutil.AssertEqual(t, w.Result().Header.Get(k), v)
			}
			if tc.wantStatus == http.StatusForbidden && strings.Contains(w.Body.String(), "root:") {
				t.Fatalf("escaped file content leaked: %q", w.Body.String())
			}
		})
	}
}

func TestServeAllFiles(t *testing.T) {
	files := fstest.MapFS{
		"a.txt":           {Data: []byte("a")},
		"b/c.bin":         {Data: []byte{0x00, 0xff, 0x10, 0x80}},
		"b/d/e.json":      {Data: []byte(`{"e": 1}`)},
		"unicode/привет":  {Data: []byte("мир")},
		"with space.html": {Data: []byte("<b>space</b>")},
	}
	h := New(Config{Root: files})

	for name, f := range files {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequestWithContext(testContext(t), http.MethodGet, "/", nil)
			r.URL.Path = "/" + name
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			testutil.AssertEqual(t, w.Code, http.StatusOK)
			testutil.AssertEqual(t, w.Body.Bytes(), f.Data)
		})
	}
}

func TestServeErrors(t *testing.T) {
	cases := map[string]struct {
		fs         fs.FS
		path       string
		wantStatus int
		wantToLog  bool
	}{
		"permission denied": {
			fs:         &errFS{err: fs.ErrPermission},
			path:       "/secret.txt",
			wantStatus: http.StatusForbidden,
		},
		"permission denied on index": {
			fs: &errFS{
				err:  fs.ErrPermission,
				dirs: map[string]bool{".": true},
			},
			path:       "/",
			wantStatus: http.StatusForbidden,
		},
		"I/O error": {
			fs:         &errFS{err: errors.New("input/output error")},
			path:       "/hello",
			wantStatus: http.StatusInternalServerError,
			wantToLog:  true,
		},
		"not a regular file": {
			fs: fstest.MapFS{
				"fifo": {Mode: fs.ModeNamedPipe},
			},
			path:       "/fifo",
			wantStatus: http.StatusForbidden,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			env := &cli.Env{Stderr: &stderr}

			h := New(Config{Root: tc.fs})
			r := httptest.NewRequestWithContext(cli.WithEnv(context.Background(), env), http.MethodGet, tc.path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			testutil.AssertEqual(t, stderr.Len() > 0, tc.wantToLog)
		})
	}
}

func TestRedirectEscapesDirectoryName(t *testing.T) {
	h := New(Config{
		Root: fstest.MapFS{
			"what?/index.html":      {Data: []byte("question")},
			"100%/index.html":       {Data: []byte("percent")},
			"with space/index.html": {Data: []byte("space")},
		},
	})

	cases := map[string]struct {
		dir          string
		wantLocation string
		wantBody     string
	}{
		"question mark": {dir: "what?", wantLocation: "./what%3F/", wantBody: "question"},
		"percent sign":  {dir: "100%", wantLocation: "./100%25/", wantBody: "percent"},
		"space":         {dir: "with space", wantLocation: "./with%20space/", wantBody: "space"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequestWithContext(testContext(t), http.MethodGet, "/", nil)
			r.URL.Path = "/" + tc.dir
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			testutil.AssertEqual(t, w.Code, http.StatusMovedPermanently)
			location := w.Result().Header.Get("Location")
			testutil.AssertEqual(t, location, tc.wantLocation)

			// Follow the redirect the way a client would.
			ref, err := url.Parse(location)
			if err != nil {
				t.Fatalf("Location %q must be a valid URL: %v", location, err)
			}
			next := r.URL.ResolveReference(ref)
			testutil.AssertEqual(t, next.Path, "/"+tc.dir+"/")
			testutil.AssertEqual(t, next.RawQuery, "")

			r = httptest.NewRequestWithContext(testContext(t), http.MethodGet, "/", nil)
			r.URL = next
			w = httptest.NewRecorder()
			h.ServeHTTP(w, r)

			testutil.AssertEqual(t, w.Code, http.StatusOK)
			testutil.AssertEqual(t, w.Body.String(), tc.wantBody)
		})
	}
}

func TestCustomIndex(t *testing.T) {
	h := New(Config{
		Root: fstest.MapFS{
			"docs/README.txt": {Data: []byte("readme")},
			"docs/index.html": {Data: []byte("index")},
		},
		Index: []string{"README.txt"},
	})

	r := httptest.NewRequestWithContext(testContext(t), http.MethodGet, "/docs/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, w.Body.String(), "readme")
}

func TestIndexDirectoryIsSkipped(t *testing.T) {
	h := New(Config{
		Root: fstest.MapFS{
			"app/response.json/x": {Data: []byte("nested")},
			"app/index.html":      {Data: []byte("index")},
		},
	})

	r := httptest.NewRequestWithContext(testContext(t), http.MethodGet, "/app/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, w.Body.String(), "index")
}

func TestDirFSConfinesToRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "outside.txt"), []byte("outside"), 0o644); err != nil {
		t.Fatal(err)
	}

	fsys := DirFS(root)
	if _, err := fs.Stat(fsys, "../outside.txt"); err == nil {
		t.Fatal("stat outside of root must fail")
	}
	if _, err := fs.Stat(fsys, "."); err != nil {
		t.Fatalf("stat of root: %v", err)
	}
}

func TestDirFSSymlinks(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	for _, dir := range []string{root, filepath.Join(root, "docs"), filepath.Join(parent, "private")} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		filepath.Join(parent, "secret.txt"):            "TOP SECRET",
		filepath.Join(parent, "private", "index.html"): "private",
		filepath.Join(root, "docs", "guide.txt"):       "guide",
	}
	for name, data := range files {
		if err := os.WriteFile(name, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	links := map[string]string{
		filepath.Join(root, "leak"):       filepath.Join(parent, "secret.txt"),
		filepath.Join(root, "relleak"):    filepath.Join("..", "secret.txt"),
		filepath.Join(root, "privdir"):    filepath.Join(parent, "private"),
		filepath.Join(root, "guide.txt"):  filepath.Join("docs", "guide.txt"),
		filepath.Join(root, "manual"):     "docs",
		filepath.Join(root, "docs", "up"): "..",
	}
	for name, target := range links {
		if err := os.Symlink(target, name); err != nil {
			t.Skipf("symlinks are not supported: %v", err)
		}
	}

	h := New(Config{Root: DirFS(root)})

	cases := map[string]struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		"absolute link outside":      {path: "/leak", wantStatus: http.StatusForbidden},
		"relative link outside":      {path: "/relleak", wantStatus: http.StatusForbidden},
		"directory link outside":     {path: "/privdir/", wantStatus: http.StatusForbidden},
		"file behind directory link": {path: "/privdir/index.html", wantStatus: http.StatusForbidden},
		"file link inside":           {path: "/guide.txt", wantStatus: http.StatusOK, wantBody: "guide"},
		"directory link inside":      {path: "/manual/guide.txt", wantStatus: http.StatusOK, wantBody: "guide"},
		"link to the root":           {path: "/docs/up/docs/guide.txt", wantStatus: http.StatusOK, wantBody: "guide"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequestWithContext(testContext(t), http.MethodGet, tc.path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			if tc.wantBody != "" {
				testutil.AssertEqual(t, w.Body.String(), tc.wantBody)
			}
			if tc.wantStatus != http.StatusOK && (strings.Contains(w.Body.String(), "TOP SECRET") || strings.Contains(w.Body.String(), "private")) {
				t.Fatalf("content outside of root leaked: %q", w.Body.String())
			}
		})
	}
}

func testContext(t *testing.T) context.Context {
	return cli.WithEnv(context.Background(), &cli.Env{Stderr: logWriter{t}})
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// errFS fails every operation with err, except for Stat of names in dirs,
// which are reported as directories.
type errFS struct {
	err  error
	dirs map[string]bool
}

func (f *errFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: f.err}
}

func (f *errFS) Stat(name string) (fs.FileInfo, error) {
	if f.dirs[name] {
		return dirInfo(name), nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: f.err}
}

type dirInfo string

func (d dirInfo) Name() string       { return string(d) }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o755 }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return true }
func (d dirInfo) Sys() any           { return nil }
