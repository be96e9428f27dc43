// Package summarize extracts article content from web pages and produces
// short summaries by sentence-window truncation: whole sentences are kept
// until the character budget is spent.
package summarize

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
)

// DefaultSummaryLimit is the character budget of a summary.
const DefaultSummaryLimit = 500

// maxFetchBytes caps how much of a page is read.
const maxFetchBytes = 2 << 20

const userAgent = "sumbridge/0.1 (+https://github.com/verbrio/sumbridge)"

// Article is the extracted content of a web page.
type Article struct {
	URL   string
	Title string
	Text  string
}

// Fetcher downloads pages with retries and a size cap.
type Fetcher struct {
	client *retryablehttp.Client
}

// NewFetcher creates a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &Fetcher{client: client}
}

// Fetch downloads url and extracts its title and body text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Article, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, errors.Errorf("unsupported URL scheme: %q", url)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	title, text, err := Extract(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to extract content from %s", url)
	}
	return &Article{URL: url, Title: title, Text: text}, nil
}

// skippedElements never contribute body text.
var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "iframe": true, "svg": true,
}

// blockElements delimit paragraphs in the extracted text.
var blockElements = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"li": true, "blockquote": true, "pre": true, "td": true,
}

// Extract parses HTML and returns the document title and its readable body
// text, one paragraph per block element, boilerplate sections stripped.
func Extract(r io.Reader) (title string, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to parse HTML")
	}

	var paragraphs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.Data] {
				return
			}
			if n.Data == "title" && title == "" {
				title = strings.TrimSpace(textOf(n))
				return
			}
			if blockElements[n.Data] {
				if para := strings.TrimSpace(textOf(n)); para != "" {
					paragraphs = append(paragraphs, para)
				}
				return
			}
			if n.Data == "meta" && title == "" {
				if attr(n, "property") == "og:title" {
					title = strings.TrimSpace(attr(n, "content"))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return title, strings.Join(paragraphs, "\n\n"), nil
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// Summarize truncates text to at most limit characters on sentence
// boundaries, appending an ellipsis when anything was cut. Text already
// within the budget is returned unchanged. When not even the first sentence
// fits, the text is cut mid-sentence at the budget.
func Summarize(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	var window strings.Builder
	for _, sentence := range splitSentences(text) {
		next := sentence
		if window.Len() > 0 {
			next = " " + sentence
		}
		if utf8.RuneCountInString(window.String())+utf8.RuneCountInString(next) > limit {
			break
		}
		window.WriteString(next)
	}

	if window.Len() == 0 {
		runes := []rune(text)
		return string(runes[:limit]) + "..."
	}
	return window.String() + "..."
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace. Good enough for summary windows; not a linguistic segmenter.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				sentence := strings.TrimSpace(string(runes[start : i+1]))
				if sentence != "" {
					sentences = append(sentences, sentence)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// FormatSummary renders the result text the summarize_website tool returns.
func FormatSummary(title, summary string) string {
	return fmt.Sprintf("**Title:** %s\n\n**Summary:**\n%s", title, summary)
}
