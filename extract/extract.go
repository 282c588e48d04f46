// Package extract turns ingest sources (files, URLs, raw content) into
// plain text plus light metadata.
package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Result is extracted text with source metadata.
type Result struct {
	Text     string
	Metadata map[string]string
}

// Supported document types.
const (
	TypePDF      = "pdf"
	TypeDOCX     = "docx"
	TypeXLSX     = "xlsx"
	TypeText     = "text"
	TypeMarkdown = "markdown"
	TypeRaw      = "raw"
	TypeURL      = "url"
)

// ValidType reports whether docType names a supported document type.
func ValidType(docType string) bool {
	switch docType {
	case TypePDF, TypeDOCX, TypeXLSX, TypeText, TypeMarkdown, TypeRaw, TypeURL:
		return true
	}
	return false
}

// FromFile extracts text from a stored file according to docType.
func FromFile(ctx context.Context, path, docType string) (*Result, error) {
	switch docType {
	case TypePDF:
		return fromPDF(ctx, path)
	case TypeDOCX:
		return fromDOCX(path)
	case TypeXLSX:
		return fromXLSX(path)
	case TypeText, TypeMarkdown, TypeRaw:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		return &Result{
			Text:     string(data),
			Metadata: map[string]string{"source": "file"},
		}, nil
	default:
		return nil, fmt.Errorf("no extractor for document type %q", docType)
	}
}

// FromContent wraps raw request content. Text-like types pass through
// unchanged.
func FromContent(content, docType string) (*Result, error) {
	switch docType {
	case TypeText, TypeMarkdown, TypeRaw:
		return &Result{
			Text:     content,
			Metadata: map[string]string{"source": "content"},
		}, nil
	default:
		return nil, fmt.Errorf("document type %q requires a file upload", docType)
	}
}

// collapseBlankLines trims each line and squeezes runs of blank lines, the
// usual cleanup after PDF and DOCX extraction.
func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
