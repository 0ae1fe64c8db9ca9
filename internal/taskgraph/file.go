package taskgraph

import (
	"io/fs"
	"path/filepath"
	"time"
)

// File is one unit flowing through a task pipeline: a path plus contents and
// the metadata the steps need.
type File struct {
	// Base is the directory the source glob was rooted at. Rel() is computed
	// against it, so "js/**/*.js" matching js/lib/a.js has Base "js" and
	// Rel "lib/a.js".
	Base string
	// Path is the current location of the file. Steps that rename or write
	// the file update it.
	Path     string
	Contents []byte
	ModTime  time.Time
	Mode     fs.FileMode
	// SourceMap holds a v3 source map for Contents, if a step produced one.
	SourceMap []byte
}

// Rel returns Path relative to Base.
func (f *File) Rel() string {
	rel, err := filepath.Rel(f.Base, f.Path)
	if err != nil {
		return filepath.Base(f.Path)
	}
	return rel
}

// RelSlash returns Rel with forward slashes.
func (f *File) RelSlash() string {
	return filepath.ToSlash(f.Rel())
}

// Ext returns the extension of Path including the dot.
func (f *File) Ext() string {
	return filepath.Ext(f.Path)
}

// WithExt returns Path with its extension replaced by ext.
func (f *File) WithExt(ext string) string {
	return f.Path[:len(f.Path)-len(f.Ext())] + ext
}

// Clone returns a deep copy of f.
func (f *File) Clone() *File {
	c := *f
	if f.Contents != nil {
		c.Contents = append([]byte(nil), f.Contents...)
	}
	if f.SourceMap != nil {
		c.SourceMap = append([]byte(nil), f.SourceMap...)
	}
	return &c
}
