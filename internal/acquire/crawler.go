package acquire

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/extract"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the crawler to robots.txt and servers.
const DefaultUserAgent = "BitBBot"

// maxBodyBytes bounds a single page download.
const maxBodyBytes = 10 << 20

// Crawler performs a breadth-first, same-host crawl from a seed URL.
// One request is in flight at a time.
type Crawler struct {
	Client          *http.Client
	UserAgent       string
	PolitenessDelay time.Duration
	MaxDepth        int
	MaxPages        int
	Logger          *zap.Logger
}

type frontierEntry struct {
	url   string
	depth int
}

// Crawl fetches pages until the frontier is empty, MaxPages is reached or
// ctx is done. On cancellation it returns the pages gathered so far with
// ctx.Err().
func (c *Crawler) Crawl(ctx context.Context, seed string) ([]ingest.Page, error) {
	seedURL, err := url.Parse(seed)
	if err != nil || seedURL.Host == "" || (seedURL.Scheme != "http" && seedURL.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid seed url %q", ErrEmptySeed, seed)
	}
	seedURL.Fragment = ""

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	agent := c.UserAgent
	if agent == "" {
		agent = DefaultUserAgent
	}

	limit := rate.Inf
	if c.PolitenessDelay > 0 {
		limit = rate.Every(c.PolitenessDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	robots := c.fetchRobots(ctx, client, seedURL, agent, logger)

	visited := make(map[string]bool)
	frontier := []frontierEntry{{url: seedURL.String(), depth: 0}}
	var pages []ingest.Page

	for len(frontier) > 0 && (c.MaxPages <= 0 || len(pages) < c.MaxPages) {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		entry := frontier[0]
		frontier = frontier[1:]

		if entry.depth > c.MaxDepth {
			logger.Debug("skipping url beyond max depth", zap.String("url", entry.url), zap.Int("depth", entry.depth))
			continue
		}
		if visited[entry.url] {
			continue
		}
		visited[entry.url] = true

		u, err := url.Parse(entry.url)
		if err != nil || !strings.EqualFold(u.Hostname(), seedURL.Hostname()) {
			logger.Debug("skipping off-host url", zap.String("url", entry.url))
			continue
		}
		if robots != nil && !robots.TestAgent(robotsPath(u), agent) {
			logger.Debug("skipping url disallowed by robots.txt", zap.String("url", entry.url))
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return pages, ctx.Err()
		}

		doc, err := c.fetch(ctx, client, agent, entry.url, entry.depth < c.MaxDepth)
		if err != nil {
			if ctx.Err() != nil {
				return pages, ctx.Err()
			}
			logger.Warn("skipping page", zap.String("url", entry.url), zap.Error(err))
			continue
		}

		title := doc.Title
		if title == "" {
			title = "Untitled"
		}
		pages = append(pages, ingest.Page{
			URL:       entry.url,
			Title:     title,
			Text:      doc.Text,
			Depth:     entry.depth,
			FetchedAt: time.Now().UTC(),
		})
		logger.Debug("fetched page", zap.String("url", entry.url), zap.Int("depth", entry.depth))

		if entry.depth < c.MaxDepth {
			for _, link := range sameHostLinks(u, seedURL, doc.Links) {
				if !visited[link] {
					frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
				}
			}
		}
	}

	return pages, nil
}

// fetchRobots loads robots.txt once per crawl. A nil result allows everything.
func (c *Crawler) fetchRobots(ctx context.Context, client *http.Client, seed *url.URL, agent string, logger *zap.Logger) *robotstxt.RobotsData {
	robotsURL := seed.Scheme + "://" + seed.Host + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", agent)

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("robots.txt unavailable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		logger.Warn("robots.txt server error, allowing all",
			zap.String("url", robotsURL), zap.Int("status", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		logger.Warn("robots.txt read failed, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}

	robots, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		logger.Warn("robots.txt unparseable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	return robots
}

// fetch downloads and extracts one page. Links are only extracted when
// the crawl will follow them.
func (c *Crawler) fetch(ctx context.Context, client *http.Client, agent, pageURL string, withLinks bool) (extract.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return extract.Document{}, err
	}
	req.Header.Set("User-Agent", agent)

	resp, err := client.Do(req)
	if err != nil {
		return extract.Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return extract.Document{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/html" {
		return extract.Document{}, fmt.Errorf("unsupported content type %q", resp.Header.Get("Content-Type"))
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if withLinks {
		return extract.HTML(body, extract.WithLinks())
	}
	return extract.HTML(body)
}

// sameHostLinks resolves hrefs against base and keeps unique http(s) links on
// the seed host with fragments removed.
func sameHostLinks(base, seed *url.URL, hrefs []string) []string {
	seen := make(map[string]bool, len(hrefs))
	var out []string
	for _, href := range hrefs {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		if !strings.EqualFold(abs.Hostname(), seed.Hostname()) {
			continue
		}
		abs.Fragment = ""
		abs.RawFragment = ""
		s := abs.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func robotsPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
