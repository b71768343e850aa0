package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	maxImages    = 10
	maxImageSize = 10 << 20
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// imageURLs lists the distinct http(s) image destinations of a markdown body
func imageURLs(body string) []string {
	source := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var urls []string
	seen := make(map[string]bool)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		image, ok := n.(*ast.Image)
		if !entering || !ok {
			return ast.WalkContinue, nil
		}
		dest := string(image.Destination)
		if (strings.HasPrefix(dest, "https://") || strings.HasPrefix(dest, "http://")) && !seen[dest] {
			seen[dest] = true
			urls = append(urls, dest)
		}
		return ast.WalkSkipChildren, nil
	})
	return urls
}

// downloadImages fetches the images a body embeds. Failures are logged and
// skipped. The returned metadata maps each attachment filename to its origin.
func (p *Provider) downloadImages(ctx context.Context, client *http.Client, body string) ([]models.RemoteFile, map[string]interface{}) {
	urls := imageURLs(body)
	if len(urls) == 0 {
		return nil, nil
	}
	if len(urls) > maxImages {
		urls = urls[:maxImages]
	}

	var files []models.RemoteFile
	origins := make(map[string]interface{})
	for i, imageURL := range urls {
		data, err := p.fetch(ctx, client, imageURL)
		if err != nil {
			p.logger.Debug().Err(err).Str("url", imageURL).Msg("Skipping issue image")
			continue
		}
		detected := mimetype.Detect(data)
		if !strings.HasPrefix(detected.String(), "image/") {
			continue
		}
		name := fmt.Sprintf("image-%d%s", i+1, detected.Extension())
		if base := path.Base(imageURL); path.Ext(base) != "" && !strings.ContainsAny(base, "?#") {
			name = fmt.Sprintf("image-%d-%s", i+1, base)
		}
		files = append(files, models.RemoteFile{Filename: name, MimeType: detected.String(), Data: data})
		origins[name] = imageURL
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files, map[string]interface{}{"imageOrigins": origins}
}

func (p *Provider) fetch(ctx context.Context, client *http.Client, imageURL string) ([]byte, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageSize)
	}
	return data, nil
}
