package extract

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidType(t *testing.T) {
	for _, typ := range []string{TypePDF, TypeDOCX, TypeXLSX, TypeText, TypeMarkdown, TypeRaw, TypeURL} {
		if !ValidType(typ) {
			t.Errorf("%q should be valid", typ)
		}
	}
	for _, typ := range []string{"", "exe", "html"} {
		if ValidType(typ) {
			t.Errorf("%q should be invalid", typ)
		}
	}
}

func TestFromContent(t *testing.T) {
	res, err := FromContent("hello world", TypeText)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello world" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Metadata["source"] != "content" {
		t.Errorf("metadata = %v", res.Metadata)
	}

	if _, err := FromContent("x", TypePDF); err == nil {
		t.Error("expected error for binary type as raw content")
	}
}

func TestFromFileText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.md")
	if err := os.WriteFile(path, []byte("# Heading\n\nBody."), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := FromFile(context.Background(), path, TypeMarkdown)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "# Heading") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestFromFileUnsupported(t *testing.T) {
	if _, err := FromFile(context.Background(), "x", "exe"); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestDOCXExtraction(t *testing.T) {
	const documentXML = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	path := filepath.Join(t.TempDir(), "doc.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	res, err := FromFile(context.Background(), path, TypeDOCX)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "First paragraph.") {
		t.Errorf("missing first paragraph: %q", res.Text)
	}
	if !strings.Contains(res.Text, "Second paragraph.") {
		t.Errorf("runs not joined: %q", res.Text)
	}
	// Paragraphs become separate lines.
	if strings.Contains(res.Text, "paragraph.First") || strings.Contains(res.Text, "paragraph.Second") {
		t.Errorf("paragraphs not separated: %q", res.Text)
	}
}

func TestDOCXMissingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zip.NewWriter(f).Close()
	f.Close()

	if _, err := FromFile(context.Background(), path, TypeDOCX); err == nil {
		t.Error("expected error for DOCX without document.xml")
	}
}

func TestFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Test Page</title></head>
<body><article><h1>Test Page</h1>
<p>This is the main article body with enough text to be considered readable
content by the extractor. It keeps going for a little while to make sure the
readability heuristics accept it as the primary content of the page.</p>
<p>A second paragraph rounds out the article so the scoring pass has more
than one block of real prose to work with.</p>
</article></body></html>`))
	}))
	defer srv.Close()

	res, err := FromURL(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "main article body") {
		t.Errorf("article text missing: %q", res.Text)
	}
	if res.Metadata["url"] != srv.URL {
		t.Errorf("metadata url = %q", res.Metadata["url"])
	}
}

func TestFromURLErrors(t *testing.T) {
	if _, err := FromURL(context.Background(), "ftp://example.com/x"); err == nil {
		t.Error("expected error for non-http scheme")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	if _, err := FromURL(context.Background(), srv.URL); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestCollapseBlankLines(t *testing.T) {
	in := "a  \n\n\n\nb\t\n\nc"
	want := "a\n\nb\n\nc"
	if got := collapseBlankLines(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
