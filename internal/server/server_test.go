package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/project"
	"github.com/conneroisu/previewd/internal/security"
)

// newTestProject creates a project rooted at a temp dir populated with
// the given files. Keys are slash-separated relative paths.
func newTestProject(t *testing.T, files map[string]string) *project.Project {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	proj, err := project.New(project.Descriptor{ID: "test-project", RootPath: root})
	require.NoError(t, err)
	return proj
}

func startServer(t *testing.T, proj *project.Project, config Config) (*ProjectServer, Binding) {
	t.Helper()
	srv, err := New(proj, config)
	require.NoError(t, err)

	binding, err := srv.Start(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, binding
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestStartAssignsEphemeralPort(t *testing.T) {
	proj := newTestProject(t, map[string]string{"index.html": "<html><body>home</body></html>"})
	_, binding := startServer(t, proj, Config{})

	assert.Greater(t, binding.Port, 0)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", binding.Port), binding.BaseURL)

	resp, body := get(t, binding.BaseURL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "home")
}

func TestStartIdempotent(t *testing.T) {
	proj := newTestProject(t, nil)
	srv, binding := startServer(t, proj, Config{})

	again, err := srv.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, binding, again)
}

func TestStopReleasesPort(t *testing.T) {
	proj := newTestProject(t, nil)
	srv, binding := startServer(t, proj, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// The port must be bindable again.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", binding.Port))
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, ok := srv.Binding()
	assert.False(t, ok)

	// Double stop is a no-op.
	require.NoError(t, srv.Stop(ctx))
}

func TestStaticServesNonHTMLVerbatim(t *testing.T) {
	proj := newTestProject(t, map[string]string{"assets/style.css": "body { margin: 0; }"})
	_, binding := startServer(t, proj, Config{})

	resp, body := get(t, binding.BaseURL+"/assets/style.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
	assert.Equal(t, "body { margin: 0; }", body)
}

func TestHTMLGetsReloadScript(t *testing.T) {
	proj := newTestProject(t, map[string]string{
		"index.html": "<html><head></head><body><h1>hi</h1></body></html>",
	})
	_, binding := startServer(t, proj, Config{})

	resp, body := get(t, binding.BaseURL+"/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, `src="/_preview/client.js"`)
	assert.Contains(t, body, "<h1>hi</h1>")

	// The script lands inside body, after the page content.
	assert.Less(t, strings.Index(body, "<h1>hi</h1>"), strings.Index(body, "client.js"))
}

func TestDirectoryServesItsIndex(t *testing.T) {
	proj := newTestProject(t, map[string]string{
		"index.html":      "<html><body>root</body></html>",
		"docs/index.html": "<html><body>docs</body></html>",
	})
	_, binding := startServer(t, proj, Config{})

	resp, body := get(t, binding.BaseURL+"/docs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "docs")

	resp, body = get(t, binding.BaseURL+"/docs/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "docs")
}

func TestSPAFallback(t *testing.T) {
	proj := newTestProject(t, map[string]string{
		"index.html": "<html><body>app shell</body></html>",
	})
	_, binding := startServer(t, proj, Config{})

	resp, body := get(t, binding.BaseURL+"/app/settings/profile")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "app shell")
}

func TestNotFoundWithoutFallback(t *testing.T) {
	proj := newTestProject(t, map[string]string{"readme.txt": "plain"})
	_, binding := startServer(t, proj, Config{})

	resp, _ := get(t, binding.BaseURL+"/missing.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraversalNeverLeavesRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "site")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("top secret"), 0o644))

	proj, err := project.New(project.Descriptor{RootPath: root})
	require.NoError(t, err)
	_, binding := startServer(t, proj, Config{})

	// A raw request bypasses client-side URL normalization.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", binding.Port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "GET /../secret.txt HTTP/1.1\r\nHost: 127.0.0.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "top secret")
}

// countingPolicy records how often the underlying decision is consulted.
type countingPolicy struct {
	calls   atomic.Int64
	allowFn func(absPath string) bool
}

func (p *countingPolicy) CanAccess(absPath string, op security.Operation) bool {
	p.calls.Add(1)
	return p.allowFn(absPath)
}

func TestPolicyDenialReturns403(t *testing.T) {
	proj := newTestProject(t, map[string]string{"private.txt": "internal"})
	policy := &countingPolicy{allowFn: func(string) bool { return false }}
	_, binding := startServer(t, proj, Config{Policy: policy})

	resp, _ := get(t, binding.BaseURL+"/private.txt")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPolicyConsultedOncePerPath(t *testing.T) {
	proj := newTestProject(t, map[string]string{"page.txt": "ok"})
	policy := &countingPolicy{allowFn: func(string) bool { return true }}
	_, binding := startServer(t, proj, Config{Policy: policy})

	for i := 0; i < 3; i++ {
		resp, _ := get(t, binding.BaseURL+"/page.txt")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, int64(1), policy.calls.Load())
}

func TestProxyFirstMatchWins(t *testing.T) {
	v2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "v2:%s", r.URL.Path)
	}))
	defer v2.Close()
	v1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "v1:%s", r.URL.Path)
	}))
	defer v1.Close()

	root := t.TempDir()
	proj, err := project.New(project.Descriptor{
		RootPath: root,
		ProxyRules: []project.ProxyRule{
			{MatchPrefix: "/api/v2", TargetURL: v2.URL},
			{MatchPrefix: "/api", TargetURL: v1.URL},
		},
	})
	require.NoError(t, err)
	_, binding := startServer(t, proj, Config{})

	resp, body := get(t, binding.BaseURL+"/api/v2/users")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v2:/api/v2/users", body)

	resp, body = get(t, binding.BaseURL+"/api/users")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v1:/api/users", body)

	// Prefixes match whole segments only.
	resp, _ = get(t, binding.BaseURL+"/apiv2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyUnreachableTargetIs502(t *testing.T) {
	root := t.TempDir()
	proj, err := project.New(project.Descriptor{
		RootPath: root,
		ProxyRules: []project.ProxyRule{
			{MatchPrefix: "/api", TargetURL: "http://127.0.0.1:1"},
		},
	})
	require.NoError(t, err)
	_, binding := startServer(t, proj, Config{})

	resp, _ := get(t, binding.BaseURL+"/api/anything")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestUpdateProxyRulesTakesEffectLive(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "proxied")
	}))
	defer backend.Close()

	proj := newTestProject(t, nil)
	srv, binding := startServer(t, proj, Config{})

	resp, _ := get(t, binding.BaseURL+"/api/x")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, srv.UpdateProxyRules([]project.ProxyRule{
		{MatchPrefix: "/api", TargetURL: backend.URL},
	}))

	resp, body := get(t, binding.BaseURL+"/api/x")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proxied", body)
}

func TestStaticRejectsNonReadMethods(t *testing.T) {
	proj := newTestProject(t, map[string]string{"index.html": "<html><body>x</body></html>"})
	_, binding := startServer(t, proj, Config{})

	resp, err := http.Post(binding.BaseURL+"/index.html", "text/plain", strings.NewReader("data"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
