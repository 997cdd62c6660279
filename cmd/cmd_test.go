package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/project"
)

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "site.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegisterProjectPostsDescriptor(t *testing.T) {
	var received project.Descriptor
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/projects", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{
			"id": "docs-site",
			"name": "Documentation",
			"previewUrl": "http://127.0.0.1:52341",
			"status": "ready"
		}`)
	}))
	defer daemon.Close()

	descriptor := writeDescriptor(t, `
id: docs-site
name: Documentation
root: ./site
proxy:
  - match_prefix: /api
    target_url: http://127.0.0.1:3000
compile:
  command: ["make", "html"]
`)

	var out bytes.Buffer
	require.NoError(t, registerProject(daemon.URL, descriptor, &out))

	assert.Equal(t, "docs-site", received.ID)
	assert.Equal(t, filepath.Join(filepath.Dir(descriptor), "site"), received.RootPath)
	require.Len(t, received.ProxyRules, 1)
	assert.Equal(t, "/api", received.ProxyRules[0].MatchPrefix)
	assert.Equal(t, "http://127.0.0.1:3000", received.ProxyRules[0].TargetURL)
	require.NotNil(t, received.CompileStep)
	assert.Equal(t, []string{"make", "html"}, received.CompileStep.Command)

	assert.Contains(t, out.String(), "Registered docs-site (Documentation)")
	assert.Contains(t, out.String(), "Preview: http://127.0.0.1:52341")
}

func TestRegisterProjectDaemonRejection(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "project root is not a readable directory: /nope", http.StatusBadRequest)
	}))
	defer daemon.Close()

	descriptor := writeDescriptor(t, "id: bad\nroot: /nope\n")

	var out bytes.Buffer
	err := registerProject(daemon.URL, descriptor, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration failed")
	assert.Contains(t, err.Error(), "not a readable directory")
}

func TestRegisterProjectUnreachableDaemon(t *testing.T) {
	descriptor := writeDescriptor(t, "id: lonely\nroot: .\n")

	var out bytes.Buffer
	err := registerProject("http://127.0.0.1:1", descriptor, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach previewd")
}

func TestRegisterProjectInvalidYAML(t *testing.T) {
	descriptor := writeDescriptor(t, "id: [unterminated\n")

	var out bytes.Buffer
	err := registerProject(defaultServerURL, descriptor, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid descriptor")
}

func TestRegisterProjectMissingDescriptor(t *testing.T) {
	var out bytes.Buffer
	err := registerProject(defaultServerURL, filepath.Join(t.TempDir(), "absent.yml"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read descriptor")
}

func serveCatalogue(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/projects", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, payload)
	}))
	t.Cleanup(daemon.Close)
	return daemon
}

func TestListProjectsTable(t *testing.T) {
	daemon := serveCatalogue(t, `[
		{"id": "alpha", "name": "Alpha", "previewUrl": "http://127.0.0.1:4000",
		 "status": "ready", "startedAt": "2026-08-20T10:00:00Z"},
		{"id": "beta", "name": "Beta", "previewUrl": "",
		 "status": "error", "startedAt": "0001-01-01T00:00:00Z"}
	]`)

	var out bytes.Buffer
	require.NoError(t, listProjects(daemon.URL, "table", &out))

	rendered := out.String()
	assert.Contains(t, rendered, "ID")
	assert.Contains(t, rendered, "STATUS")
	assert.Contains(t, rendered, "alpha")
	assert.Contains(t, rendered, "http://127.0.0.1:4000")
	assert.Contains(t, rendered, "error")

	// A session that never started shows a dash instead of a date.
	var betaLine string
	for _, line := range strings.Split(strings.TrimSpace(rendered), "\n") {
		if strings.HasPrefix(line, "beta") {
			betaLine = line
		}
	}
	require.NotEmpty(t, betaLine)
	assert.True(t, strings.HasSuffix(strings.TrimRight(betaLine, " "), "-"))
}

func TestListProjectsEmptyCatalogue(t *testing.T) {
	daemon := serveCatalogue(t, "[]")

	var out bytes.Buffer
	require.NoError(t, listProjects(daemon.URL, "table", &out))
	assert.Contains(t, out.String(), "No projects registered.")
}

func TestListProjectsJSON(t *testing.T) {
	daemon := serveCatalogue(t, `[
		{"id": "alpha", "name": "Alpha", "previewUrl": "http://127.0.0.1:4000",
		 "status": "ready", "startedAt": "2026-08-20T10:00:00Z"}
	]`)

	var out bytes.Buffer
	require.NoError(t, listProjects(daemon.URL, "json", &out))

	var sessions []catalogueEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "alpha", sessions[0].ID)
	assert.Equal(t, "ready", sessions[0].Status)
}

func TestListProjectsUnsupportedFormat(t *testing.T) {
	daemon := serveCatalogue(t, "[]")

	var out bytes.Buffer
	err := listProjects(daemon.URL, "csv", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestListProjectsDaemonFailure(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer daemon.Close()

	var out bytes.Buffer
	err := listProjects(daemon.URL, "table", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalogue request failed")
}

func TestSetDefaultsCoversEveryKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	assert.Equal(t, config.DefaultHost, viper.GetString("server.host"))
	assert.Equal(t, config.DefaultPort, viper.GetInt("server.port"))
	assert.Equal(t, config.DefaultDebounceWindow, viper.GetDuration("preview.debounce_window"))
	assert.Equal(t, config.DefaultSettleWindow, viper.GetDuration("preview.settle_window"))
	assert.Equal(t, config.DefaultCompileTimeout, viper.GetDuration("preview.compile_timeout"))
	assert.Equal(t, config.DefaultMailboxSize, viper.GetInt("preview.mailbox_size"))
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "text", viper.GetString("logging.format"))
	assert.Equal(t, 10, viper.GetInt("logging.max_size_mb"))
	assert.Equal(t, 3, viper.GetInt("logging.max_backups"))
}

func TestBuildLoggerStderrOnly(t *testing.T) {
	logger, closeLogger, err := buildLogger(&config.LoggingConfig{
		Level:  "info",
		Format: "text",
	})
	require.NoError(t, err)
	defer closeLogger()

	assert.NotNil(t, logger)
}

func TestBuildLoggerWithFileSink(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "previewd.log")

	logger, closeLogger, err := buildLogger(&config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		File:       logFile,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	logger.Info(context.Background(), "log sink smoke test", "key", "value")
	closeLogger()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "log sink smoke test")
}

func TestBuildLoggerInvalidLevel(t *testing.T) {
	_, _, err := buildLogger(&config.LoggingConfig{Level: "shouting", Format: "text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestCommandsAreRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"serve", "register", "list", "init", "version"} {
		assert.True(t, names[want], "command %s is not registered", want)
	}
}

func TestStartedAtFormatting(t *testing.T) {
	entry := catalogueEntry{
		ID:         "solo",
		Name:       "Solo",
		PreviewURL: "http://127.0.0.1:4000",
		Status:     "ready",
		StartedAt:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}

	var out bytes.Buffer
	require.NoError(t, renderCatalogueTable(&out, []catalogueEntry{entry}))
	assert.Contains(t, out.String(), "2026-08")
}
