package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conneroisu/previewd/internal/scaffolding"
)

var (
	initName    string
	initMinimal bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a starter project ready to register with previewd",
	Long: `Create a starter project: a descriptor the register command can post
to a running daemon, plus a small static site the preview serves right away.
With no argument the current directory is used. Existing files are never
overwritten.

Examples:
  previewd init                  # initialize the current directory
  previewd init docs-site        # create and initialize ./docs-site
  previewd init docs-site --minimal   # descriptor only, no starter site`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initName, "name", "", "project name (defaults to the directory name)")
	initCmd.Flags().BoolVar(&initMinimal, "minimal", false, "write only the descriptor, no starter site")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	return initProject(dir, initName, initMinimal, os.Stdout)
}

func initProject(dir, name string, minimal bool, out io.Writer) error {
	res, err := scaffolding.Scaffold(scaffolding.Options{
		Dir:     dir,
		Name:    name,
		Minimal: minimal,
	})
	if err != nil {
		return err
	}

	for _, f := range res.Created {
		fmt.Fprintf(out, "✓ Created %s\n", f)
	}
	for _, f := range res.Skipped {
		fmt.Fprintf(out, "⚠ %s already exists, skipping\n", f)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. previewd serve")
	fmt.Fprintf(out, "  2. previewd register %s\n", filepath.Join(dir, scaffolding.DescriptorFile))
	fmt.Fprintln(out, "  3. Open the printed preview URL in your browser")

	return nil
}
