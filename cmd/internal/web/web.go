// Package web serves the sign-in page and its assets.
//
// Files are embedded at build time; STAYHI_WEB_ROOT points the server at a directory with the
// same layout (auth.html, assets/...) instead.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"
)

// PageFile is the sign-in page served for "/", "/auth" and unknown GET paths.
const PageFile = "auth.html"

//go:embed static
var embedded embed.FS

var contentTypes = map[string]string{
	".css": "text/css; charset=utf-8",
	".js":  "application/javascript",
	".ico": "image/x-icon",
	".png": "image/png",
}

// ContentTypeFor returns the Content-Type for an asset name.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

type Site struct {
	fsys    fs.FS
	page    []byte
	modTime time.Time
}

// New returns the embedded site when root is empty, otherwise the directory at root.
func New(root string) (*Site, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		sub, err := fs.Sub(embedded, "static")
		if err != nil {
			return nil, err
		}
		return NewFS(sub)
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("web: root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("web: root %q is not a directory", root)
	}
	return NewFS(os.DirFS(root))
}

// NewFS serves fsys; it must contain PageFile at its top level.
func NewFS(fsys fs.FS) (*Site, error) {
	page, err := fs.ReadFile(fsys, PageFile)
	if err != nil {
		return nil, fmt.Errorf("web: %s: %w", PageFile, err)
	}
	return &Site{fsys: fsys, page: page, modTime: time.Now()}, nil
}

// ServePage writes the sign-in page.
func (s *Site) ServePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, PageFile, s.modTime, bytes.NewReader(s.page))
}

// ServeAsset serves /assets/<name>. Anything that is not a clean relative path is a 404.
func (s *Site) ServeAsset(w http.ResponseWriter, r *http.Request) {
	name, ok := assetName(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	b, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		// Missing files and directories alike.
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", ContentTypeFor(name))
	http.ServeContent(w, r, name, s.modTime, bytes.NewReader(b))
}

func assetName(urlPath string) (string, bool) {
	rest, ok := strings.CutPrefix(urlPath, "/assets/")
	if !ok || rest == "" || strings.Contains(rest, "\\") {
		return "", false
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." {
			return "", false
		}
	}
	name := "assets/" + rest
	if path.Clean(name) != name || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}
