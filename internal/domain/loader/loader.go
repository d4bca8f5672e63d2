// Package loader implements the document loaders: a flat set of
// implementations of a capability set {supports(path), load(path)},
// dispatched by iteration rather than subclass polymorphism. Each loader produces an ordered list of knowledge.Document.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

// MaxFileSize is the default per-file size cap; larger files are rejected
// with a LoaderError rather than loaded. Overridden per
// Registry by NewRegistry's maxBytes argument (wired from config's
// max_file_size_bytes).
const MaxFileSize = 100 * 1024 * 1024 // 100 MB

// Loader produces Documents from a file it supports.
type Loader interface {
	Supports(path string) bool
	Load(path string) ([]knowledge.Document, error)
}

// Registry dispatches a path to the first Loader that supports it.
type Registry struct {
	loaders  []Loader
	maxBytes int64
}

// NewRegistry returns a Registry with the required loaders registered
// (.txt, .md, .pdf, .docx) and the given per-file size cap. maxBytes <= 0
// falls back to MaxFileSize.
func NewRegistry(maxBytes int64) *Registry {
	if maxBytes <= 0 {
		maxBytes = MaxFileSize
	}
	return &Registry{
		maxBytes: maxBytes,
		loaders: []Loader{
			&TextLoader{},
			&MarkdownLoader{},
			&PDFLoader{},
			&DocxLoader{},
		},
	}
}

// Load dispatches path by lowercased extension to the first matching
// Loader, enforcing the size cap common to every loader.
func (r *Registry) Load(path string) ([]knowledge.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("stat: %v", err)}
	}
	if info.Size() > r.maxBytes {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("file is %s, exceeds %s limit", humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(r.maxBytes)))}
	}

	for _, l := range r.loaders {
		if l.Supports(path) {
			return l.Load(path)
		}
	}
	return nil, &knowledge.LoaderError{Path: path, Msg: "unsupported file extension"}
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
