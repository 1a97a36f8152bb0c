package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// staticHandler serves the UI bundle. Clean URLs map to "<path>.html" and
// unknown paths fall back to index.html so client-side routes resolve.
type staticHandler struct {
	dir string
}

func newStaticHandler(dir string) http.Handler {
	return &staticHandler{dir: dir}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	candidates := []string{clean}
	if clean == "/" {
		candidates = []string{"/index.html"}
	} else if path.Ext(clean) == "" {
		candidates = append(candidates, clean+".html", path.Join(clean, "index.html"))
	}
	candidates = append(candidates, "/index.html")

	for _, c := range candidates {
		full := filepath.Join(h.dir, filepath.FromSlash(strings.TrimPrefix(c, "/")))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		if c == "/index.html" || strings.HasSuffix(c, ".html") {
			w.Header().Set("Cache-Control", "no-cache")
		}
		f, err := os.Open(full)
		if err != nil {
			continue
		}
		defer f.Close()
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}
	http.NotFound(w, r)
}
