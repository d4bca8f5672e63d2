package loader_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/matiasleandrokruk/ragd/internal/domain/loader"
)

func TestRegistry_DispatchesByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := loader.NewRegistry(0)
	docs, err := r.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Content != "hello world" {
		t.Fatalf("docs = %+v; want single doc with content %q", docs, "hello world")
	}
}

func TestRegistry_UnsupportedExtension_ReturnsLoaderError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.xyz")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := loader.NewRegistry(0)
	if _, err := r.Load(path); err == nil {
		t.Fatal("Load() error = nil; want error for unsupported extension")
	}
}

func TestRegistry_OversizedFile_ReturnsLoaderError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(loader.MaxFileSize + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r := loader.NewRegistry(0)
	if _, err := r.Load(path); err == nil {
		t.Fatal("Load() error = nil; want error for oversized file")
	}
}

func TestMarkdownLoader_SplitsHeadingSections(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := "# Intro\n\nThis is the intro.\n\n# Usage\n\nThis explains usage.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	l := &loader.MarkdownLoader{}
	docs, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len(docs) = %d; want 2, got %+v", len(docs), docs)
	}
	if docs[0].Metadata["section"] != "Intro" || docs[1].Metadata["section"] != "Usage" {
		t.Fatalf("sections = %q, %q; want Intro, Usage", docs[0].Metadata["section"], docs[1].Metadata["section"])
	}
}

func TestDocxLoader_ExtractsParagraphText(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.docx")
	writeTestDocx(t, path, []string{"First paragraph.", "Second paragraph."})

	l := &loader.DocxLoader{}
	docs, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d; want 1", len(docs))
	}
	if got := docs[0].Content; got == "" {
		t.Fatal("docx content is empty")
	}
}

// writeTestDocx builds a minimal valid .docx (zip containing
// word/document.xml with one <w:p> per paragraph).
func writeTestDocx(t *testing.T, path string, paragraphs []string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}

	var body string
	for _, p := range paragraphs {
		body += "<w:p><w:r><w:t>" + p + "</w:t></w:r></w:p>"
	}
	xmlDoc := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
		`<w:body>` + body + `</w:body></w:document>`

	if _, err := w.Write([]byte(xmlDoc)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}
