// Package corpus enumerates the live image corpus on disk.
package corpus

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Source lists the image file names currently present in the corpus.
type Source interface {
	Names(ctx context.Context) ([]string, error)
	Path(name string) string
	Root() string
}

var mediaTypes = map[string]string{
	"apng":  "image/apng",
	"avif":  "image/avif",
	"gif":   "image/gif",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"jfif":  "image/jpeg",
	"pjpeg": "image/jpeg",
	"pjp":   "image/jpeg",
	"png":   "image/png",
	"svg":   "image/svg+xml",
	"webp":  "image/webp",
	"bmp":   "image/bmp",
}

// Allowed reports whether name carries an allow-listed image extension.
// Matching is case-insensitive.
func Allowed(name string) bool {
	_, ok := mediaTypes[ext(name)]
	return ok
}

// MediaType returns the MIME type for an allow-listed image name, or "".
func MediaType(name string) string {
	return mediaTypes[ext(name)]
}

func ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Dir is a flat directory of images. Subdirectories are not descended into.
type Dir struct {
	root string

	mu  sync.RWMutex
	raw map[string]string // normalized name -> on-disk name
}

// NewDir returns a Source over the directory at root.
func NewDir(root string) *Dir {
	return &Dir{root: root, raw: map[string]string{}}
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Names lists regular files with an allowed extension, NFC-normalized,
// deduplicated and sorted.
func (d *Dir) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, eris.Wrapf(err, "corpus: read dir %s", d.root)
	}

	raw := make(map[string]string, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "corpus: list")
		}
		if !d.regular(e) || !Allowed(e.Name()) {
			continue
		}
		n := norm.NFC.String(e.Name())
		if _, dup := raw[n]; !dup {
			raw[n] = e.Name()
		}
	}

	names := make([]string, 0, len(raw))
	for n := range raw {
		names = append(names, n)
	}
	sort.Strings(names)

	d.mu.Lock()
	d.raw = raw
	d.mu.Unlock()
	return names, nil
}

// Path returns the on-disk path for a listed name.
func (d *Dir) Path(name string) string {
	d.mu.RLock()
	onDisk, ok := d.raw[name]
	d.mu.RUnlock()
	if !ok {
		onDisk = name
	}
	return filepath.Join(d.root, onDisk)
}

func (d *Dir) regular(e fs.DirEntry) bool {
	if e.Type().IsRegular() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(d.root, e.Name()))
	return err == nil && fi.Mode().IsRegular()
}
