package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/types"
)

// defaultFetchTimeout bounds outbound requests when the permission spec
// leaves the request timeout unset.
const defaultFetchTimeout = 30 * time.Second

// maxFetchBody bounds response bodies read into memory.
const maxFetchBody = 32 << 20

// Runtime is the sandboxed fs/fetch/env surface handed to handlers.
// Every operation consults the execution's guard first; without a guard
// the runtime denies everything.
type Runtime struct {
	FS    *FS
	Fetch *Fetch
	Env   *Env
}

func newRuntime(guard *sandbox.Guard) *Runtime {
	return &Runtime{
		FS:    &FS{guard: guard},
		Fetch: newFetch(guard),
		Env:   &Env{guard: guard},
	}
}

func errNoGuard(surface string) error {
	return fault.Errorf(fault.KindPermissionDenied, "%s access requires a sandbox guard", surface)
}

// FS is the permission-checked filesystem surface. Relative paths
// resolve against the workspace cwd; every path is containment-checked
// against the execution roots before any handle is opened.
type FS struct {
	guard *sandbox.Guard
}

func (f *FS) check(path string, mode types.FSMode) (string, error) {
	if f.guard == nil {
		return "", errNoGuard("filesystem")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.guard.Cwd(), path)
	}
	return f.guard.CheckPath(path, mode)
}

// ReadFile reads a whole file.
func (f *FS) ReadFile(path string) ([]byte, error) {
	resolved, err := f.check(path, types.FSRead)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fault.Wrap(fault.KindHandlerError, fmt.Sprintf("read %q", path), err)
	}
	return data, nil
}

// WriteFile writes a whole file, creating parent directories.
func (f *FS) WriteFile(path string, data []byte) error {
	resolved, err := f.check(path, types.FSWrite)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fault.Wrap(fault.KindHandlerError, fmt.Sprintf("create parent of %q", path), err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return fault.Wrap(fault.KindHandlerError, fmt.Sprintf("write %q", path), err)
	}
	return nil
}

// FileInfo is the handler-facing stat result.
type FileInfo struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	IsDir bool      `json:"isDir"`
	Mod   time.Time `json:"mod"`
}

// Stat describes a path.
func (f *FS) Stat(path string) (*FileInfo, error) {
	resolved, err := f.check(path, types.FSRead)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fault.Wrap(fault.KindHandlerError, fmt.Sprintf("stat %q", path), err)
	}
	return &FileInfo{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir(), Mod: info.ModTime()}, nil
}

// ReadDir lists a directory, names sorted.
func (f *FS) ReadDir(path string) ([]FileInfo, error) {
	resolved, err := f.check(path, types.FSRead)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fault.Wrap(fault.KindHandlerError, fmt.Sprintf("read dir %q", path), err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir(), Mod: info.ModTime()})
	}
	return out, nil
}

// Mkdir creates a directory and any missing parents.
func (f *FS) Mkdir(path string) error {
	resolved, err := f.check(path, types.FSWrite)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fault.Wrap(fault.KindHandlerError, fmt.Sprintf("mkdir %q", path), err)
	}
	return nil
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(path string) error {
	resolved, err := f.check(path, types.FSWrite)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil {
		return fault.Wrap(fault.KindHandlerError, fmt.Sprintf("remove %q", path), err)
	}
	return nil
}

// FetchRequest is one outbound HTTP request.
type FetchRequest struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// FetchResponse is the buffered result of a fetch.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Fetch is the permission-checked HTTP surface. Every hop's host is
// checked against the network permissions before any connection is
// made, redirect targets included; the per-request timeout comes from
// the spec.
type Fetch struct {
	guard  *sandbox.Guard
	client *http.Client
}

func newFetch(guard *sandbox.Guard) *Fetch {
	f := &Fetch{guard: guard}
	f.client = &http.Client{
		// An allowed origin must not forward the request to a denied
		// host by answering 3xx.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return f.checkURL(req.URL)
		},
	}
	return f
}

// checkURL runs the host check for one hop.
func (f *Fetch) checkURL(u *url.URL) error {
	port := 0
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}
	return f.guard.CheckHost(u.Hostname(), port)
}

// Do performs one request. Bodies larger than 32 MiB are truncated.
func (f *Fetch) Do(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if f.guard == nil {
		return nil, errNoGuard("network")
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, fmt.Sprintf("invalid url %q", req.URL), err)
	}
	if err := f.checkURL(u); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, f.guard.RequestTimeout(defaultFetchTimeout))
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "build request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		// A denied redirect hop surfaces wrapped in *url.Error; it is
		// a sandbox decision, not a transport failure.
		var denied *fault.Error
		if errors.As(err, &denied) && denied.Kind == fault.KindPermissionDenied {
			return nil, denied
		}
		return nil, fault.Wrap(fault.KindHandlerError, fmt.Sprintf("fetch %s", req.URL), fault.Normalize(err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fault.Wrap(fault.KindHandlerError, "read response body", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &FetchResponse{Status: resp.StatusCode, Headers: headers, Body: data}, nil
}

// Env is the permission-checked environment surface.
type Env struct {
	guard *sandbox.Guard

	// environ is swapped in tests.
	environ func() []string
}

// All returns exactly the allow-listed environment, wildcard keys
// expanded. Never nil.
func (e *Env) All() map[string]string {
	if e.guard == nil {
		return map[string]string{}
	}
	environ := os.Environ
	if e.environ != nil {
		environ = e.environ
	}
	return e.guard.PickEnv(environ())
}

// Get returns one allow-listed variable.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.All()[key]
	return v, ok
}
