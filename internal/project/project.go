// Package project defines the project descriptor previewd accepts at
// registration time, together with its validation rules.
//
// A descriptor names a directory on disk and optionally a compile command and
// proxy rules. Registration is the only moment a descriptor is validated;
// everything downstream trusts the resulting Project.
package project

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/previewd/internal/errors"
)

// ProxyRule forwards requests matching a path prefix to another HTTP server.
// Rules are evaluated in declaration order; the first match wins.
type ProxyRule struct {
	MatchPrefix string `json:"matchPrefix" yaml:"match_prefix"`
	TargetURL   string `json:"targetUrl" yaml:"target_url"`
}

// CompileStep is the optional command run after a change batch settles. The
// command is opaque to previewd; only its exit status and output matter.
type CompileStep struct {
	Command    []string `json:"command" yaml:"command"`
	WorkingDir string   `json:"workingDir,omitempty" yaml:"working_dir,omitempty"`
}

// Project is a validated, registered project. Fields are immutable after
// registration except ProxyRules and CompileStep, which re-registration may
// replace.
type Project struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	RootPath     string       `json:"rootPath" yaml:"root"`
	ProxyRules   []ProxyRule  `json:"proxyRules,omitempty" yaml:"proxy,omitempty"`
	CompileStep  *CompileStep `json:"compileStep,omitempty" yaml:"compile,omitempty"`
	RegisteredAt time.Time    `json:"registeredAt" yaml:"-"`
}

// Descriptor is the raw registration input before validation.
type Descriptor struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	RootPath    string       `json:"rootPath" yaml:"root"`
	ProxyRules  []ProxyRule  `json:"proxyRules,omitempty" yaml:"proxy,omitempty"`
	CompileStep *CompileStep `json:"compileStep,omitempty" yaml:"compile,omitempty"`
}

// New validates a descriptor and produces a registered Project. A missing ID
// is generated, a missing name is derived from the root directory basename.
func New(desc Descriptor) (*Project, error) {
	rootPath, err := validateRoot(desc.RootPath)
	if err != nil {
		return nil, err
	}

	if err := validateProxyRules(desc.ProxyRules); err != nil {
		return nil, err
	}

	if err := validateCompileStep(desc.CompileStep, rootPath); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(desc.ID)
	if id == "" {
		id = uuid.NewString()
	} else if err := validateID(id); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(desc.Name)
	if name == "" {
		name = DefaultName(rootPath)
	}

	return &Project{
		ID:           id,
		Name:         name,
		RootPath:     rootPath,
		ProxyRules:   desc.ProxyRules,
		CompileStep:  desc.CompileStep,
		RegisteredAt: time.Now(),
	}, nil
}

// DefaultName derives a display name from the root directory basename,
// title-cased with separators turned into spaces.
func DefaultName(rootPath string) string {
	base := filepath.Base(rootPath)
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)

	return cases.Title(language.English).String(base)
}

func validateID(id string) error {
	if len(id) > 128 {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "project id exceeds 128 characters")
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("project id contains invalid character %q", r))
		}
	}

	return nil
}

func validateRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", errors.NewConfigError(errors.ErrCodeConfigInvalid, "project root is required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.ErrRootInvalid(root, err)
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.ErrRootInvalid(root, err)
	}
	if !info.IsDir() {
		return "", errors.ErrRootInvalid(root, fmt.Errorf("not a directory"))
	}

	if f, err := os.Open(abs); err != nil {
		return "", errors.ErrRootInvalid(root, err)
	} else {
		f.Close()
	}

	return abs, nil
}

func validateProxyRules(rules []ProxyRule) error {
	seen := make(map[string]struct{}, len(rules))

	for i, rule := range rules {
		if !strings.HasPrefix(rule.MatchPrefix, "/") {
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy rule %d: match prefix must start with /", i))
		}

		if _, dup := seen[rule.MatchPrefix]; dup {
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy rule %d: duplicate match prefix %s", i, rule.MatchPrefix))
		}
		seen[rule.MatchPrefix] = struct{}{}

		target, err := url.Parse(rule.TargetURL)
		if err != nil {
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy rule %d: invalid target url: %v", i, err))
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy rule %d: target url must be http or https", i))
		}
		if target.Host == "" {
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy rule %d: target url missing host", i))
		}
	}

	return nil
}

func validateCompileStep(step *CompileStep, rootPath string) error {
	if step == nil {
		return nil
	}

	if len(step.Command) == 0 || strings.TrimSpace(step.Command[0]) == "" {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "compile step requires a command")
	}

	if step.WorkingDir != "" {
		dir := step.WorkingDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(rootPath, dir)
		}
		dir = filepath.Clean(dir)

		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return errors.NewConfigError(errors.ErrCodeConfigInvalid,
				"compile step working dir is not a directory: "+step.WorkingDir)
		}
	}

	return nil
}

// ResolveWorkingDir returns the directory a compile step runs in: the
// configured working dir resolved against the root, or the root itself.
func (p *Project) ResolveWorkingDir() string {
	if p.CompileStep == nil || p.CompileStep.WorkingDir == "" {
		return p.RootPath
	}

	dir := p.CompileStep.WorkingDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.RootPath, dir)
	}

	return filepath.Clean(dir)
}
