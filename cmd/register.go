package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/previewd/internal/project"
)

var registerServer string

var registerCmd = &cobra.Command{
	Use:   "register <descriptor.yml>",
	Short: "Register a project with a running daemon",
	Long: `Register a project described by a YAML descriptor with a running
previewd daemon and print the assigned preview URL.

The descriptor names the project root plus optional proxy rules and
compile step:

  id: docs-site
  name: Documentation
  root: ./site
  proxy:
    - match_prefix: /api
      target_url: http://127.0.0.1:3000
  compile:
    command: ["make", "html"]

Registering an ID again updates the existing session in place.

Examples:
  previewd register site.yml
  previewd register site.yml --server http://127.0.0.1:9000`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().StringVar(&registerServer, "server", defaultServerURL, "base URL of the previewd daemon")
}

func runRegister(cmd *cobra.Command, args []string) error {
	return registerProject(registerServer, args[0], os.Stdout)
}

func registerProject(serverURL, descriptorPath string, out io.Writer) error {
	data, err := os.ReadFile(descriptorPath)
	if err != nil {
		return fmt.Errorf("failed to read descriptor: %w", err)
	}

	var desc project.Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("invalid descriptor %s: %w", descriptorPath, err)
	}

	// The daemon resolves relative roots against its own working directory,
	// so a relative root in the descriptor is anchored to the descriptor's
	// location before it leaves the client.
	if desc.RootPath != "" && !filepath.IsAbs(desc.RootPath) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(descriptorPath), desc.RootPath))
		if err != nil {
			return fmt.Errorf("invalid descriptor %s: %w", descriptorPath, err)
		}
		desc.RootPath = abs
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	resp, err := http.Post(
		strings.TrimSuffix(serverURL, "/")+"/api/projects",
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to reach previewd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registration failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var session struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		PreviewURL string `json:"previewUrl"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}

	fmt.Fprintf(out, "Registered %s (%s)\n", session.ID, session.Name)
	fmt.Fprintf(out, "Preview: %s\n", session.PreviewURL)
	return nil
}
