// Package web embeds the chat playground and serves it under /ui/.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:ui
var uiFS embed.FS

// Prefix is the URL path the playground is mounted under.
const Prefix = "/ui/"

// Handler serves the embedded playground. Unknown paths fall back to
// index.html.
func Handler() http.Handler {
	subFS, err := fs.Sub(uiFS, "ui")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.StripPrefix(strings.TrimSuffix(Prefix, "/"), http.FileServer(http.FS(subFS)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, Prefix)
		if path == "" {
			path = "index.html"
		}
		if f, err := subFS.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close embedded file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = Prefix
		fileServer.ServeHTTP(w, r)
	})
}
