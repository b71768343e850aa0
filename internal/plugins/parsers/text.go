package parsers

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/corpus/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TextParser is the catch-all for text/* files. It declines binary content
// so a more specific parser registered later can take it.
type TextParser struct{}

// NewTextParser creates the plain text parser
func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Name() string { return "text" }

func (p *TextParser) MimeTypes() []string {
	return []string{"text/plain", "text/csv", "application/json", "text/*"}
}

func (p *TextParser) ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error) {
	data := bytes.TrimPrefix(params.File, utf8BOM)
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, nil
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return &models.ParseResult{Record: map[string]interface{}{
		"title": params.Filename,
		"text":  text,
		"lines": strings.Count(text, "\n") + 1,
	}}, nil
}

func (p *TextParser) ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error) {
	return foldAttachments(params.Record, params.Attachments), nil
}
