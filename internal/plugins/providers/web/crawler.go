package web

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// crawlPlan is a compiled entrypoint
type crawlPlan struct {
	seed     *url.URL
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	maxDepth int
	maxPages int
	sameHost bool
	headers  map[string]string
}

// pageStamp is what the source state remembers about a crawled page
type pageStamp struct {
	Hash     string `json:"hash"`
	MimeType string `json:"mime_type"`
}

type crawler struct {
	fetch   fetcher
	limiter *hostLimiter
	logger  arbor.ILogger
}

type queued struct {
	url   string
	depth int
}

// crawl walks links breadth first from the seed and stamps every page
// reached. Pages that fail to fetch are skipped.
func (c *crawler) crawl(ctx context.Context, plan *crawlPlan) (map[string]pageStamp, error) {
	pages := make(map[string]pageStamp)
	seen := map[string]bool{normalize(plan.seed): true}
	frontier := []queued{{url: normalize(plan.seed), depth: 0}}

	for len(frontier) > 0 && len(pages) < plan.maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := frontier[0]
		frontier = frontier[1:]

		if err := c.limiter.Wait(ctx, next.url); err != nil {
			return nil, err
		}
		fetched, err := c.fetch.Fetch(ctx, next.url, plan.headers)
		if err != nil {
			c.logger.Debug().Err(err).Str("url", next.url).Msg("Skipping page")
			continue
		}
		sum := sha256.Sum256(fetched.Body)
		pages[next.url] = pageStamp{Hash: hex.EncodeToString(sum[:]), MimeType: fetched.MimeType}

		if next.depth >= plan.maxDepth || fetched.MimeType != "text/html" {
			continue
		}
		for _, link := range extractLinks(fetched.Body, next.url) {
			if seen[link] || !plan.allows(link) {
				continue
			}
			seen[link] = true
			frontier = append(frontier, queued{url: link, depth: next.depth + 1})
		}
	}

	c.logger.Debug().
		Str("seed", plan.seed.String()).
		Int("pages", len(pages)).
		Msg("Crawl finished")
	return pages, nil
}

// allows applies the host restriction and the include/exclude patterns
func (p *crawlPlan) allows(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if p.sameHost && !strings.EqualFold(u.Host, p.seed.Host) {
		return false
	}
	for _, re := range p.exclude {
		if re.MatchString(link) {
			return false
		}
	}
	if len(p.include) == 0 {
		return true
	}
	for _, re := range p.include {
		if re.MatchString(link) {
			return true
		}
	}
	return false
}

// extractLinks returns the distinct absolute http(s) links of a page
func extractLinks(body []byte, sourceURL string) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").Attr("href"); ok {
		if resolved, err := base.Parse(href); err == nil {
			base = resolved
		}
	}

	var links []string
	set := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := s.AttrOr("href", "")
		if shouldSkipLink(href) {
			return
		}
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			return
		}
		link := normalize(resolved)
		if !set[link] {
			set[link] = true
			links = append(links, link)
		}
	})
	return links
}

func shouldSkipLink(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "sms:", "ftp:", "data:"} {
		if strings.HasPrefix(href, prefix) {
			return true
		}
	}
	return false
}

// normalize drops the fragment so anchors of one page share a record id
func normalize(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.Host = strings.ToLower(clean.Host)
	if clean.Path == "" {
		clean.Path = "/"
	}
	return clean.String()
}
