// Package inventory is the per-project system of record for "what files
// exist": one SQLite file holding a row per discovered entry, the scan
// history, and the latest fingerprint snapshot.
package inventory

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/eargollo/surveyor/internal/filetype"
)

// Entry is one non-excluded, non-hidden filesystem entry.
type Entry struct {
	RelativePath string    `json:"relative_path"`
	IsDir        bool      `json:"is_dir"`
	SizeBytes    int64     `json:"size_bytes"`
	ModTime      time.Time `json:"mtime"`
	Extension    string    `json:"extension"`
}

// NewEntry validates its inputs and derives the extension. rel must be a
// clean, slash-separated path relative to the project root. Backslashes are
// kept as part of a name.
func NewEntry(rel string, isDir bool, size int64, mtime time.Time) (Entry, error) {
	if err := validatePath(rel); err != nil {
		return Entry{}, err
	}
	if size < 0 {
		return Entry{}, fmt.Errorf("entry %q: negative size %d", rel, size)
	}
	e := Entry{RelativePath: rel, IsDir: isDir, ModTime: mtime}
	if !isDir {
		e.SizeBytes = size
		e.Extension = filetype.Ext(rel)
	}
	return e, nil
}

// Parent returns the relative path of the entry's directory ("" for
// root-level entries).
func (e Entry) Parent() string { return parentOf(e.RelativePath) }

func parentOf(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

func validatePath(rel string) error {
	switch {
	case rel == "":
		return errors.New("entry: empty relative path")
	case strings.HasPrefix(rel, "/"):
		return fmt.Errorf("entry %q: path must be relative", rel)
	case path.Clean(rel) != rel || rel == "." || rel == ".." || strings.HasPrefix(rel, "../"):
		return fmt.Errorf("entry %q: path is not clean", rel)
	}
	return nil
}
