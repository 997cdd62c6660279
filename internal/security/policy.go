// Package security provides the access policy consulted before previewd
// watches or serves any filesystem path.
//
// The service itself never decides which paths a caller may read; it asks a
// Policy. The default policy scopes access to the project root, which keeps
// traversal attempts out even when the HTTP layer is handed a crafted path.
package security

import (
	"path/filepath"
	"strings"
	"sync"
)

// Operation classifies what the service wants to do with a path.
type Operation string

const (
	OpRead  Operation = "read"
	OpWatch Operation = "watch"
	OpServe Operation = "serve"
)

// Policy decides whether previewd may touch a path. Implementations must be
// safe for concurrent use.
type Policy interface {
	CanAccess(absPath string, op Operation) bool
}

// RootScopedPolicy allows access to paths under a single root directory.
type RootScopedPolicy struct {
	root string
}

// NewRootScopedPolicy returns a policy scoped to root. Root is cleaned but
// not resolved; callers pass the project root as registered.
func NewRootScopedPolicy(root string) *RootScopedPolicy {
	return &RootScopedPolicy{root: filepath.Clean(root)}
}

// CanAccess reports whether absPath stays inside the policy root. Relative
// paths are always rejected.
func (p *RootScopedPolicy) CanAccess(absPath string, op Operation) bool {
	if !filepath.IsAbs(absPath) {
		return false
	}

	cleaned := filepath.Clean(absPath)
	if cleaned == p.root {
		return true
	}

	rel, err := filepath.Rel(p.root, cleaned)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CachedPolicy memoizes decisions of an underlying policy. A preview session
// consults the policy once per path and operation; repeated requests hit the
// cache.
type CachedPolicy struct {
	policy Policy

	mu        sync.RWMutex
	decisions map[string]bool
}

// NewCachedPolicy wraps policy with a decision cache.
func NewCachedPolicy(policy Policy) *CachedPolicy {
	return &CachedPolicy{
		policy:    policy,
		decisions: make(map[string]bool),
	}
}

// CanAccess returns the cached decision for absPath and op, consulting the
// wrapped policy on first sight.
func (c *CachedPolicy) CanAccess(absPath string, op Operation) bool {
	key := string(op) + "\x00" + absPath

	c.mu.RLock()
	decision, ok := c.decisions[key]
	c.mu.RUnlock()
	if ok {
		return decision
	}

	decision = c.policy.CanAccess(absPath, op)

	c.mu.Lock()
	c.decisions[key] = decision
	c.mu.Unlock()

	return decision
}
