package server

import (
	"bytes"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/conneroisu/previewd/internal/project"
)

const (
	previewPrefix    = "/_preview/"
	clientScriptPath = previewPrefix + "client.js"
	streamPath       = previewPrefix + "ws"
)

// clientScriptTemplate is the reload client injected into served HTML.
// It subscribes to the project's event stream on the same origin and
// reloads the page when a rebuild completes. Rebuilds finish immediately
// for projects without a compile step, so rebuild-complete is the reload
// signal in both cases.
const clientScriptTemplate = `(function () {
    'use strict';

    var endpoint = (window.location.protocol === 'https:' ? 'wss:' : 'ws:') +
        '//' + window.location.host + '/_preview/ws?project=__PROJECT_ID__';
    var removed = false;

    function connect() {
        var ws = new WebSocket(endpoint);

        ws.onmessage = function (event) {
            var message = JSON.parse(event.data);
            switch (message.type) {
                case 'rebuild-complete':
                    window.location.reload();
                    break;
                case 'rebuild-error':
                    console.error('[previewd] rebuild failed:', message.error);
                    break;
                case 'project-removed':
                    removed = true;
                    ws.close();
                    break;
            }
        };

        ws.onclose = function () {
            if (!removed) {
                setTimeout(connect, 2000);
            }
        };
    }

    connect();
})();
`

func renderClientScript(proj *project.Project) []byte {
	return []byte(strings.ReplaceAll(clientScriptTemplate, "__PROJECT_ID__", proj.ID))
}

// handlePreviewAsset serves the well-known reload endpoints. These win
// over proxy rules so catch-all proxies cannot shadow them.
func (s *ProjectServer) handlePreviewAsset(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case clientScriptPath:
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if _, err := w.Write(s.client); err != nil {
			s.logger.Debug(r.Context(), "client script write failed", "error", err.Error())
		}
	case streamPath:
		if s.stream == nil {
			http.NotFound(w, r)
			return
		}
		s.stream.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

// injectReloadScript appends a script tag referencing the reload client
// as the last child of <body> and re-renders the document. The input is
// returned unchanged when it cannot be parsed or has no body element.
func injectReloadScript(doc []byte) []byte {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return doc
	}

	body := findBody(root)
	if body == nil {
		return doc
	}

	body.AppendChild(&html.Node{
		Type: html.ElementNode,
		Data: "script",
		Attr: []html.Attribute{
			{Key: "src", Val: clientScriptPath},
			{Key: "defer", Val: ""},
		},
	})

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return doc
	}
	return buf.Bytes()
}

func findBody(node *html.Node) *html.Node {
	if node.Type == html.ElementNode && node.Data == "body" {
		return node
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}
