// Package search provides Google Custom Search lookups and web page text
// extraction used to ground answers in current information.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultEndpoint = "https://www.googleapis.com/customsearch/v1"

	// maxPageBytes bounds how much of a fetched page is read before parsing.
	maxPageBytes = 2 * 1024 * 1024
)

// Result is one search hit.
type Result struct {
	Title   string
	Link    string
	Snippet string
}

// Config configures the search client.
type Config struct {
	APIKey   string
	CX       string
	Endpoint string
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// Client queries the Google Custom Search JSON API.
type Client struct {
	apiKey     string
	cx         string
	endpoint   string
	httpClient *http.Client
}

// NewClient constructs a search client.
func NewClient(cfg Config) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		cx:         cfg.CX,
		endpoint:   endpoint,
		httpClient: httpClient,
	}
}

// Search runs one query and returns the hits in ranked order.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("cx", c.cx)
	params.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(payload.Items))
	for _, item := range payload.Items {
		results = append(results, Result{
			Title:   item.Title,
			Link:    item.Link,
			Snippet: item.Snippet,
		})
	}
	return results, nil
}

// PageText fetches a page and reduces it to readable text.
func (c *Client) PageText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "chatgpt-slackbot/1.0 (Web Content Fetcher)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch page: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return htmlToText(string(body))
}

// htmlToText strips markup down to the text a reader would care about.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, article, section, li").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.WriteString(text + "\n")
		}
	})
	return strings.TrimSpace(content.String()), nil
}
