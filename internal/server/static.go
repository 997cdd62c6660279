package server

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/conneroisu/previewd/internal/security"
)

// handleStatic serves files under the project root, read-only. Misses
// fall back to the entry document when one exists.
func (s *ProjectServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	absPath, ok := s.resolve(r.URL.Path)
	if !ok {
		s.logger.Warn(r.Context(), nil, "refused path escaping project root",
			"path", r.URL.Path,
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if !s.policy.CanAccess(absPath, security.OpServe) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(absPath)
	switch {
	case err == nil && info.IsDir():
		s.serveDirectory(w, r, absPath)
	case err == nil:
		s.serveFile(w, r, absPath, info)
	case os.IsNotExist(err):
		s.serveFallback(w, r)
	default:
		s.logger.Error(r.Context(), err, "stat failed", "path", absPath)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// resolve maps a request path into the project root. The URL path is
// rooted and cleaned before joining, and containment is verified on the
// result, so no request can address a file outside the root.
func (s *ProjectServer) resolve(urlPath string) (string, bool) {
	cleaned := path.Clean("/" + urlPath)
	absPath := filepath.Join(s.project.RootPath, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(s.project.RootPath, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return absPath, true
}

// serveDirectory serves the directory's own index.html. Listings are
// never generated.
func (s *ProjectServer) serveDirectory(w http.ResponseWriter, r *http.Request, dir string) {
	indexPath := filepath.Join(dir, "index.html")
	info, err := os.Stat(indexPath)
	if err != nil || info.IsDir() {
		s.serveFallback(w, r)
		return
	}
	if !s.policy.CanAccess(indexPath, security.OpServe) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.serveFile(w, r, indexPath, info)
}

// serveFallback serves the project's entry document so deep links into
// client-routed apps resolve, and 404s when the project has none.
func (s *ProjectServer) serveFallback(w http.ResponseWriter, r *http.Request) {
	indexPath := filepath.Join(s.project.RootPath, "index.html")
	info, err := os.Stat(indexPath)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	if !s.policy.CanAccess(indexPath, security.OpServe) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.serveFile(w, r, indexPath, info)
}

func (s *ProjectServer) serveFile(w http.ResponseWriter, r *http.Request, absPath string, info os.FileInfo) {
	if isHTML(absPath) {
		content, err := os.ReadFile(absPath)
		if err != nil {
			s.logger.Error(r.Context(), err, "read failed", "path", absPath)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		injected := injectReloadScript(content)
		http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(injected))
		return
	}

	f, err := os.Open(absPath)
	if err != nil {
		if os.IsPermission(err) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		s.logger.Error(r.Context(), err, "open failed", "path", absPath)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func isHTML(absPath string) bool {
	ext := strings.ToLower(filepath.Ext(absPath))
	return ext == ".html" || ext == ".htm"
}
