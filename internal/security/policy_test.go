package security

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootScopedPolicy(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "projects", "docs")
	policy := NewRootScopedPolicy(root)

	tests := []struct {
		name    string
		path    string
		allowed bool
	}{
		{"root itself", root, true},
		{"file under root", filepath.Join(root, "index.html"), true},
		{"nested file", filepath.Join(root, "assets", "app.css"), true},
		{"parent directory", filepath.Dir(root), false},
		{"sibling directory", filepath.Join(filepath.Dir(root), "other"), false},
		{"traversal inside path", filepath.Join(root, "..", "other", "secret"), false},
		{"prefix collision", root + "-backup", false},
		{"relative path", "docs/index.html", false},
		{"empty path", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, policy.CanAccess(tt.path, OpServe))
		})
	}
}

func TestRootScopedPolicyOperations(t *testing.T) {
	root := t.TempDir()
	policy := NewRootScopedPolicy(root)

	path := filepath.Join(root, "main.js")
	for _, op := range []Operation{OpRead, OpWatch, OpServe} {
		assert.True(t, policy.CanAccess(path, op), "operation %s", op)
	}
}

type countingPolicy struct {
	calls int64
	allow bool
}

func (c *countingPolicy) CanAccess(absPath string, op Operation) bool {
	atomic.AddInt64(&c.calls, 1)
	return c.allow
}

func TestCachedPolicy(t *testing.T) {
	t.Run("consults underlying policy once per path", func(t *testing.T) {
		underlying := &countingPolicy{allow: true}
		cached := NewCachedPolicy(underlying)

		path := filepath.Join(string(filepath.Separator), "srv", "p", "a.html")
		for i := 0; i < 5; i++ {
			assert.True(t, cached.CanAccess(path, OpServe))
		}

		assert.Equal(t, int64(1), atomic.LoadInt64(&underlying.calls))
	})

	t.Run("caches denials too", func(t *testing.T) {
		underlying := &countingPolicy{allow: false}
		cached := NewCachedPolicy(underlying)

		path := filepath.Join(string(filepath.Separator), "etc", "passwd")
		assert.False(t, cached.CanAccess(path, OpServe))
		assert.False(t, cached.CanAccess(path, OpServe))

		assert.Equal(t, int64(1), atomic.LoadInt64(&underlying.calls))
	})

	t.Run("distinguishes operations", func(t *testing.T) {
		underlying := &countingPolicy{allow: true}
		cached := NewCachedPolicy(underlying)

		path := filepath.Join(string(filepath.Separator), "srv", "p", "a.html")
		cached.CanAccess(path, OpServe)
		cached.CanAccess(path, OpWatch)

		assert.Equal(t, int64(2), atomic.LoadInt64(&underlying.calls))
	})
}
