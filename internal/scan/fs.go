package scan

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
)

// FS is the read-only view of a project tree the walker needs. Names are
// slash-separated paths relative to the project root; "" is the root.
// Implementations must not follow symbolic links in either method.
type FS interface {
	// ReadDir lists the direct children of a directory, sorted by name.
	// It must not stat the children.
	ReadDir(name string) ([]fs.DirEntry, error)
	// Lstat returns the metadata of one entry.
	Lstat(name string) (fs.FileInfo, error)
}

// OSFS reads a directory tree on the local disk.
type OSFS struct {
	Root string
}

// NewOSFS returns an FS rooted at root.
func NewOSFS(root string) OSFS { return OSFS{Root: root} }

func (o OSFS) abs(name string) string {
	if name == "" {
		return o.Root
	}
	return filepath.Join(o.Root, filepath.FromSlash(name))
}

// ReadDir uses getdents-style listing: entry types come from the directory
// itself, so excluded children are never stat'ed.
func (o OSFS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(o.abs(name)) }

func (o OSFS) Lstat(name string) (fs.FileInfo, error) { return os.Lstat(o.abs(name)) }

// BillyFS adapts a go-billy filesystem. Paths are resolved from "/".
type BillyFS struct {
	FS billy.Filesystem
}

// NewBillyFS wraps fsys.
func NewBillyFS(fsys billy.Filesystem) BillyFS { return BillyFS{FS: fsys} }

func (b BillyFS) abs(name string) string {
	return path.Join("/", strings.TrimPrefix(name, "/"))
}

func (b BillyFS) ReadDir(name string) ([]fs.DirEntry, error) {
	infos, err := b.FS.ReadDir(b.abs(name))
	if err != nil {
		return nil, err
	}
	out := make([]fs.DirEntry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, fs.FileInfoToDirEntry(fi))
	}
	slices.SortFunc(out, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return out, nil
}

func (b BillyFS) Lstat(name string) (fs.FileInfo, error) { return b.FS.Lstat(b.abs(name)) }
