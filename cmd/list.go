package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	listServer string
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects registered with a running daemon",
	Long: `List the projects registered with a running previewd daemon,
including each project's preview URL and session status.

Examples:
  previewd list                   # Table output
  previewd list -f json           # Output as JSON`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listServer, "server", defaultServerURL, "base URL of the previewd daemon")
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "Output format (table, json)")
}

func runList(cmd *cobra.Command, args []string) error {
	return listProjects(listServer, listFormat, os.Stdout)
}

// catalogueEntry mirrors the management API's session shape.
type catalogueEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PreviewURL string    `json:"previewUrl"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
}

func listProjects(serverURL, format string, out io.Writer) error {
	resp, err := http.Get(strings.TrimSuffix(serverURL, "/") + "/api/projects")
	if err != nil {
		return fmt.Errorf("failed to reach previewd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalogue request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var sessions []catalogueEntry
	if err := json.Unmarshal(body, &sessions); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}

	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sessions)
	case "table":
		return renderCatalogueTable(out, sessions)
	default:
		return fmt.Errorf("unsupported format: %s (supported: table, json)", format)
	}
}

func renderCatalogueTable(out io.Writer, sessions []catalogueEntry) error {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No projects registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPREVIEW\tSTARTED")
	for _, session := range sessions {
		started := "-"
		if !session.StartedAt.IsZero() {
			started = session.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			session.ID, session.Name, session.Status, session.PreviewURL, started)
	}
	return w.Flush()
}
