package fetch

import (
	"net/http"
	"os"
	"path"
	"strings"
)

// DirHandler serves the files below root the way a static web server does:
// a directory is answered with its index.html and every file is served
// under its own path. Unlike http.FileServer it never redirects, so both
// "/" and "/index.html" answer 200 with the same document. Directory
// listings are not served.
func DirHandler(root string) http.Handler {
	return dirHandler{fs: http.Dir(root)}
}

type dirHandler struct {
	fs http.FileSystem
}

func (h dirHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	name := path.Clean("/" + r.URL.Path)
	f, err := h.fs.Open(name)
	if err != nil {
		serveOpenError(w, err)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		serveOpenError(w, err)
		return
	}
	if stat.IsDir() {
		index, err := h.fs.Open(strings.TrimSuffix(name, "/") + "/index.html")
		if err != nil {
			serveOpenError(w, err)
			return
		}
		defer index.Close()
		if stat, err = index.Stat(); err != nil || stat.IsDir() {
			http.NotFound(w, r)
			return
		}
		f = index
	}
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}

func serveOpenError(w http.ResponseWriter, err error) {
	switch {
	case os.IsNotExist(err):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case os.IsPermission(err):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
