package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"sort"

	"github.com/gin-gonic/gin"
)

const (
	indexFile = "/index.html"
	// DevFrontendHash is reported when no frontend directory is configured.
	DevFrontendHash = "dev"
)

// frontend serves a single page app from a directory. Unknown paths fall
// back to index.html so client side routes resolve.
type frontend struct {
	root http.FileSystem
}

func newFrontend(dir string) *frontend {
	if dir == "" {
		return nil
	}
	return &frontend{root: http.Dir(dir)}
}

// serve writes the requested file or index.html and reports whether it did.
func (f *frontend) serve(c *gin.Context) bool {
	if f == nil {
		return false
	}
	name := path.Clean("/" + c.Request.URL.Path)
	if name == "/" {
		name = indexFile
	}

	file, info, ok := f.open(name)
	if !ok {
		name = indexFile
		if file, info, ok = f.open(name); !ok {
			return false
		}
	}
	defer file.Close()

	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), file)
	return true
}

func (f *frontend) open(name string) (http.File, fs.FileInfo, bool) {
	file, err := f.root.Open(name)
	if err != nil {
		return nil, nil, false
	}
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		_ = file.Close()
		return nil, nil, false
	}
	return file, info, true
}

// FrontendHash fingerprints the frontend build so clients can detect a new
// deployment. Every regular file's relative path and content feed the hash in
// lexical order.
func FrontendHash(dir string) (string, error) {
	if dir == "" {
		return DevFrontendHash, nil
	}

	fsys := os.DirFS(dir)
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking frontend dir: %w", err)
	}
	sort.Strings(files)

	hasher := sha256.New()
	for _, p := range files {
		if err := hashFile(hasher, fsys, p); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(w io.Writer, fsys fs.FS, p string) error {
	file, err := fsys.Open(p)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", p, err)
	}
	defer file.Close()

	// Separate path and content so renames change the hash.
	_, _ = io.WriteString(w, p+"\x00")
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("hashing %s: %w", p, err)
	}
	_, _ = io.WriteString(w, "\x00")
	return nil
}
