// Package scaffolding writes the starting files for a new preview project: a
// descriptor the register command can post to a running daemon, and a small
// static site the preview server can serve as soon as the project is
// registered.
package scaffolding

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/conneroisu/previewd/internal/project"
)

// DescriptorFile is the descriptor filename Scaffold writes and the register
// command's conventional input.
const DescriptorFile = "preview.yml"

// Options control what Scaffold writes.
type Options struct {
	// Dir is the project directory. Created if it does not exist.
	Dir string

	// Name overrides the project name derived from the directory basename.
	Name string

	// Minimal writes only the descriptor, skipping the starter site.
	Minimal bool
}

// Result reports what Scaffold wrote, with paths relative to the project
// directory. Files that already existed are never overwritten and show up in
// Skipped instead.
type Result struct {
	Created []string
	Skipped []string
}

type templateContext struct {
	Name string
}

var descriptorTemplate = template.Must(template.New("descriptor").Parse(`# Project descriptor for previewd. Register it with a running daemon:
#
#   previewd register {{.File}}
#
name: {{.Name}}
root: .

# Forward a path prefix to another local server while previewing:
# proxy:
#   - match_prefix: /api
#     target_url: http://127.0.0.1:3000

# Run a command before serving and after every change batch:
# compile:
#   command: ["make", "html"]
#   working_dir: .
`))

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1.0"/>
  <title>{{.Name}}</title>
  <link rel="stylesheet" href="/style.css"/>
</head>
<body>
  <main class="container">
    <h1>{{.Name}}</h1>
    <p>This page reloads automatically when files in the project change.</p>
    <p>Edit <code>index.html</code> and save to see it happen.</p>
  </main>
</body>
</html>
`))

const starterStyles = `* {
  margin: 0;
  padding: 0;
  box-sizing: border-box;
}

body {
  font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
  line-height: 1.6;
  color: #1f2937;
  background-color: #f8f9fa;
}

.container {
  max-width: 40rem;
  margin: 4rem auto;
  padding: 2rem;
  background: white;
  border-radius: 0.5rem;
  box-shadow: 0 2px 4px rgba(0, 0, 0, 0.1);
}

code {
  padding: 0.1rem 0.3rem;
  background: #eef2f7;
  border-radius: 0.25rem;
}
`

// Scaffold writes the starter files into opts.Dir, creating the directory if
// needed. Existing files are left untouched.
func Scaffold(opts Options) (*Result, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("project directory is required")
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	name := opts.Name
	if name == "" {
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project directory: %w", err)
		}
		name = project.DefaultName(abs)
	}

	res := &Result{}

	descriptor, err := renderDescriptor(name)
	if err != nil {
		return nil, err
	}
	if err := res.write(opts.Dir, DescriptorFile, descriptor); err != nil {
		return nil, err
	}

	if opts.Minimal {
		return res, nil
	}

	index, err := render(indexTemplate, templateContext{Name: name})
	if err != nil {
		return nil, err
	}
	if err := res.write(opts.Dir, "index.html", index); err != nil {
		return nil, err
	}
	if err := res.write(opts.Dir, "style.css", []byte(starterStyles)); err != nil {
		return nil, err
	}

	return res, nil
}

// write creates name under dir unless it already exists, recording the
// outcome on the result.
func (r *Result) write(dir, name string, content []byte) error {
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		r.Skipped = append(r.Skipped, name)
		return nil
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	r.Created = append(r.Created, name)
	return nil
}

func renderDescriptor(name string) ([]byte, error) {
	return render(descriptorTemplate, struct {
		Name string
		File string
	}{Name: name, File: DescriptorFile})
}

func render(tmpl *template.Template, ctx any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return buf.Bytes(), nil
}
