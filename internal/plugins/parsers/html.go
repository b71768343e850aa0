package parsers

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/models"
)

// CollectionLinks names the nested link objects of an HTML record
const CollectionLinks = "links"

// HTMLParser converts a page to markdown and extracts its title, meta
// description and outbound links. The page's base URL comes from the
// "url" metadata when the provider supplies one.
type HTMLParser struct {
	logger arbor.ILogger
}

// NewHTMLParser creates the HTML parser
func NewHTMLParser(logger arbor.ILogger) *HTMLParser {
	return &HTMLParser{logger: logger}
}

func (p *HTMLParser) Name() string { return "html" }

func (p *HTMLParser) MimeTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (p *HTMLParser) ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(params.File))
	if err != nil {
		return nil, err
	}
	baseURL, _ := params.Metadata["url"].(string)

	doc.Find("script, style, noscript, iframe").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = params.Filename
	}
	description, _ := doc.Find(`meta[name="description"]`).Attr("content")

	var links []interface{}
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || seen[href] {
			return
		}
		seen[href] = true
		links = append(links, map[string]interface{}{
			models.CollectionKey: CollectionLinks,
			"href":               href,
			"text":               strings.TrimSpace(s.Text()),
		})
	})

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	html, err := root.Html()
	if err != nil {
		return nil, err
	}

	record := map[string]interface{}{
		"title": title,
		"body":  p.toMarkdown(html, baseURL),
	}
	if description != "" {
		record["description"] = strings.TrimSpace(description)
	}
	if len(links) > 0 {
		record["links"] = links
	}
	return &models.ParseResult{Record: record}, nil
}

func (p *HTMLParser) ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error) {
	return foldAttachments(params.Record, params.Attachments), nil
}

// toMarkdown converts html, falling back to stripped text when the
// converter fails or yields nothing
func (p *HTMLParser) toMarkdown(html, baseURL string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	converter := md.NewConverter(baseURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		p.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, using fallback")
		return stripHTMLTags(html)
	}
	if strings.TrimSpace(converted) == "" {
		return stripHTMLTags(html)
	}
	return converted
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
	entities     = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")
)

func stripHTMLTags(html string) string {
	stripped := tagPattern.ReplaceAllString(html, " ")
	stripped = spacePattern.ReplaceAllString(stripped, " ")
	return strings.TrimSpace(entities.Replace(stripped))
}
