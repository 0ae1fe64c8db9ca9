package server

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"
)

// staticHandler serves BaseDir. HTML documents are read whole and get the
// live-reload client injected; everything else goes to http.FileServer.
func (s *DevServer) staticHandler(reloadPort string) http.Handler {
	root := http.Dir(s.opts.BaseDir)
	files := http.FileServer(root)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/") {
			name = path.Join(name, "index.html")
		}
		if ext := path.Ext(name); ext != ".html" && ext != ".htm" {
			files.ServeHTTP(w, r)
			return
		}

		f, err := root.Open(name)
		if err != nil {
			files.ServeHTTP(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			files.ServeHTTP(w, r)
			return
		}
		doc, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}

		out := InjectScript(doc, clientScriptURL(r, reloadPort))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, name, info.ModTime(), bytes.NewReader(out))
	})
}

// clientScriptURL points at the control server on the host the browser used
// to reach the page.
func clientScriptURL(r *http.Request, reloadPort string) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "localhost"
	}
	return "//" + net.JoinHostPort(host, reloadPort) + "/livereload.js"
}

// withDevHeaders disables caching so edits are always visible and logs each
// request at debug level.
func (s *DevServer) withDevHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
