package parsers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/ternarybob/corpus/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Collection names for the nested objects a markdown record carries
const (
	CollectionSections = "sections"
	CollectionImages   = "images"
)

// MarkdownParser splits a document into sections, one per heading, and
// lists its images. Sections and images are nested objects so pipelines
// can enhance them on their own. Inline data: images become attachments.
type MarkdownParser struct {
	md goldmark.Markdown
}

// NewMarkdownParser creates the markdown parser
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

func (p *MarkdownParser) Name() string { return "markdown" }

func (p *MarkdownParser) MimeTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

type mdSection struct {
	heading string
	level   int
	body    strings.Builder
}

func (p *MarkdownParser) ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error) {
	source := params.File
	doc := p.md.Parser().Parse(text.NewReader(source))

	var (
		title       string
		sections    []*mdSection
		current     = &mdSection{}
		images      []interface{}
		attachments []models.RemoteFile
	)

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if heading, ok := node.(*ast.Heading); ok {
			label := plainText(heading, source)
			if title == "" && heading.Level == 1 {
				title = label
			}
			if current.heading != "" || current.body.Len() > 0 {
				sections = append(sections, current)
			}
			current = &mdSection{heading: label, level: heading.Level}
			continue
		}
		if current.body.Len() > 0 {
			current.body.WriteString("\n\n")
		}
		current.body.WriteString(blockText(node, source))
	}
	if current.heading != "" || current.body.Len() > 0 {
		sections = append(sections, current)
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		image, ok := n.(*ast.Image)
		if !ok || !entering {
			return ast.WalkContinue, nil
		}
		dest := string(image.Destination)
		alt := plainText(image, source)
		entry := map[string]interface{}{
			models.CollectionKey: CollectionImages,
			"src":                dest,
			"alt":                alt,
		}
		if file, ok := decodeDataURI(dest, len(attachments)); ok {
			attachments = append(attachments, file)
			entry["src"] = ""
			entry["attachment"] = file.Filename
		}
		images = append(images, entry)
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk markdown: %w", err)
	}

	if title == "" {
		title = strings.TrimSuffix(params.Filename, path.Ext(params.Filename))
	}

	record := map[string]interface{}{
		"title": title,
		"body":  string(source),
	}
	if len(sections) > 0 {
		list := make([]interface{}, 0, len(sections))
		for _, section := range sections {
			list = append(list, map[string]interface{}{
				models.CollectionKey: CollectionSections,
				"heading":            section.heading,
				"level":              section.level,
				"text":               section.body.String(),
			})
		}
		record["sections"] = list
	}
	if len(images) > 0 {
		record["images"] = images
	}

	return &models.ParseResult{Record: record, Attachments: attachments}, nil
}

func (p *MarkdownParser) ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error) {
	record := foldAttachments(params.Record, params.Attachments)

	// point inline images at their published copies
	urls := make(map[string]string, len(params.Attachments))
	for _, attachment := range params.Attachments {
		urls[attachment.File.Filename] = attachment.File.PublicURL
	}
	if images, ok := record["images"].([]interface{}); ok {
		for _, item := range images {
			image, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if name, ok := image["attachment"].(string); ok {
				image["src"] = urls[name]
			}
		}
	}
	return record, nil
}

// plainText concatenates the text segments below n
func plainText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		case *ast.CodeSpan:
			for c := t.FirstChild(); c != nil; c = c.NextSibling() {
				if seg, ok := c.(*ast.Text); ok {
					buf.Write(seg.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

// blockText returns the raw source of a block, or its plain text when the
// block has no line segments (lists, quotes)
func blockText(n ast.Node, source []byte) string {
	lines := n.Lines()
	if lines == nil || lines.Len() == 0 {
		return plainText(n, source)
	}
	var buf bytes.Buffer
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// decodeDataURI turns a base64 data: URI into a file named after its position
func decodeDataURI(uri string, index int) (models.RemoteFile, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return models.RemoteFile{}, false
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return models.RemoteFile{}, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.RemoteFile{}, false
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	ext := "bin"
	if _, sub, ok := strings.Cut(mimeType, "/"); ok && sub != "" {
		ext = sub
	}
	return models.RemoteFile{
		Filename: fmt.Sprintf("inline-%d.%s", index+1, ext),
		MimeType: mimeType,
		Data:     data,
	}, true
}
