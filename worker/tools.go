package worker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge/store"
	"github.com/verbrio/sumbridge/summarize"
)

// SummarizerTools binds the article summarizer and the summary store to a
// server's tool catalog.
type SummarizerTools struct {
	Fetcher      *summarize.Fetcher
	Store        *store.Store
	SummaryLimit int
}

type summarizeWebsiteArgs struct {
	URL string `json:"url" jsonschema:"required,description=URL of the article to summarize"`
}

type saveSummaryArgs struct {
	Title   string   `json:"title" jsonschema:"required,description=Title of the summary"`
	Content string   `json:"content" jsonschema:"required,description=Summary text to save"`
	Tags    []string `json:"tags" jsonschema:"required,description=Tags to file the summary under"`
}

type getSummaryByTagArgs struct {
	Tag string `json:"tag" jsonschema:"required,description=Tag to list summaries for"`
}

type searchSummariesArgs struct {
	Keyword string `json:"keyword" jsonschema:"required,description=Keyword to search for in saved summaries"`
}

// Register adds the four summarizer tools to the server.
func (t *SummarizerTools) Register(s *Server) error {
	if err := s.RegisterTool("summarize_website",
		"Extracts and summarizes article content from a given URL.",
		summarizeWebsiteArgs{}, t.summarizeWebsite); err != nil {
		return err
	}
	if err := s.RegisterTool("save_summary",
		"Saves a summary to file under given tags and logs it.",
		saveSummaryArgs{}, t.saveSummary); err != nil {
		return err
	}
	if err := s.RegisterTool("get_summary_by_tag",
		"List all summaries saved under a given tag.",
		getSummaryByTagArgs{}, t.getSummaryByTag); err != nil {
		return err
	}
	return s.RegisterTool("search_summaries",
		"Searches for summaries containing a keyword in title or content.",
		searchSummariesArgs{}, t.searchSummaries)
}

func (t *SummarizerTools) summarizeWebsite(ctx context.Context, rawArgs json.RawMessage) (string, error) {
	var args summarizeWebsiteArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.Wrap(err, "invalid arguments")
	}
	if args.URL == "" {
		return "", errors.New("url is required")
	}

	article, err := t.Fetcher.Fetch(ctx, args.URL)
	if err != nil {
		return "", errors.Wrap(err, "failed to extract from URL")
	}
	summary := summarize.Summarize(article.Text, t.SummaryLimit)
	return summarize.FormatSummary(article.Title, summary), nil
}

func (t *SummarizerTools) saveSummary(_ context.Context, rawArgs json.RawMessage) (string, error) {
	var args saveSummaryArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.Wrap(err, "invalid arguments")
	}

	entry, err := t.Store.Save(args.Title, args.Content, args.Tags)
	if err != nil {
		return "", err
	}
	return "Summary saved in: " + strings.Join(entry.Files, ", "), nil
}

func (t *SummarizerTools) getSummaryByTag(_ context.Context, rawArgs json.RawMessage) (string, error) {
	var args getSummaryByTagArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.Wrap(err, "invalid arguments")
	}

	names, err := t.Store.ListByTag(args.Tag)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "No summaries under tag " + args.Tag, nil
	}
	return strings.Join(names, "\n"), nil
}

func (t *SummarizerTools) searchSummaries(_ context.Context, rawArgs json.RawMessage) (string, error) {
	var args searchSummariesArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.Wrap(err, "invalid arguments")
	}

	matches, err := t.Store.Search(args.Keyword)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No matches found.", nil
	}
	return strings.Join(matches, "\n"), nil
}
