// Package extract pulls plain text out of resume documents. Extraction never
// returns an error: an unusable document yields a string starting with
// FailedPrefix, which callers must check before using the text.
package extract

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// FailedPrefix marks a failed extraction.
const FailedPrefix = "EXTRACTION_FAILED:"

// Supported file types.
const (
	TypePDF  = "pdf"
	TypeDOCX = "docx"
	TypeDOC  = "doc"
	TypeTXT  = "txt"
)

// Extensions lists the file extensions the extractor accepts.
var Extensions = []string{".pdf", ".docx", ".doc", ".txt"}

// Config configures external tool paths. Empty paths use the tool name.
type Config struct {
	PdfToTextPath string
	AntiwordPath  string
}

// Extractor extracts text from local files.
type Extractor struct {
	pdftotext *Tool
	antiword  *Tool
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{
		pdftotext: NewTool("pdftotext", cfg.PdfToTextPath),
		antiword:  NewTool("antiword", cfg.AntiwordPath),
	}
}

// FileType returns the file type for path and whether it is supported.
func FileType(path string) (string, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case TypePDF, TypeDOCX, TypeDOC, TypeTXT:
		return ext, true
	default:
		return ext, false
	}
}

// Failed reports whether text is a failed extraction.
func Failed(text string) bool {
	return text == "" || strings.HasPrefix(text, FailedPrefix)
}

func failed(reason string) string {
	return FailedPrefix + " " + reason
}

// ExtractText returns the text of the file at path.
func (e *Extractor) ExtractText(ctx context.Context, path, fileType string) string {
	var (
		text string
		err  error
	)
	switch strings.ToLower(fileType) {
	case TypePDF:
		text, err = e.pdf(ctx, path)
	case TypeDOCX:
		text, err = docxText(path)
	case TypeDOC:
		text, err = e.antiword.Run(ctx, path)
	case TypeTXT:
		var raw []byte
		raw, err = os.ReadFile(path)
		text = string(raw)
	default:
		return failed("unsupported file type " + fileType)
	}
	if err != nil {
		zap.L().Warn("extract: text extraction failed",
			zap.String("path", path),
			zap.String("file_type", fileType),
			zap.Error(err),
		)
		return failed(err.Error())
	}

	text = cleanWhitespace(text)
	if text == "" {
		return failed("no text found in " + filepath.Base(path))
	}
	return text
}

// pdf reads the text layer with the pure-Go reader and falls back to
// pdftotext when that fails or finds nothing.
func (e *Extractor) pdf(ctx context.Context, path string) (string, error) {
	text, err := pdfText(path)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	zap.L().Debug("extract: falling back to pdftotext", zap.String("path", path), zap.Error(err))
	return e.pdftotext.Run(ctx, "-layout", path, "-")
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\f\v\x{00A0}]+`)
	newlineRun = regexp.MustCompile(`\n\s*\n+`)
)

func cleanWhitespace(s string) string {
	s = spaceRun.ReplaceAllString(s, " ")
	s = newlineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
