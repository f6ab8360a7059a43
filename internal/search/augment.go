package search

import (
	"context"
	"strings"

	"github.com/huluohu/chatgpt-slackbot/internal/logging"
)

// contextBudget caps the retrieved context embedded in a prompt so the
// combined text stays within the backend's input limit.
const contextBudget = 10000

// Searcher abstracts the search client for the augmentation step.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
	PageText(ctx context.Context, pageURL string) (string, error)
}

// Augmenter rewrites a prompt to embed web-search context. Failures are
// never fatal: the original prompt is returned unmodified.
type Augmenter struct {
	searcher Searcher
	logger   logging.Logger
}

// NewAugmenter constructs an Augmenter around a search client.
func NewAugmenter(searcher Searcher, logger logging.Logger) *Augmenter {
	return &Augmenter{searcher: searcher, logger: logging.OrNop(logger)}
}

// Augment searches for the prompt, extracts the first hit's page text,
// appends the remaining hits' snippets, and rewrites the prompt to answer
// from the retrieved context. Any failure falls back to the original prompt.
func (a *Augmenter) Augment(ctx context.Context, prompt string) string {
	results, err := a.searcher.Search(ctx, prompt)
	if err != nil {
		a.logger.Warn("search augmentation skipped: %v", err)
		return prompt
	}
	if len(results) == 0 {
		a.logger.Debug("search augmentation skipped: no results for %q", prompt)
		return prompt
	}

	var retrieved strings.Builder
	pageText, err := a.searcher.PageText(ctx, results[0].Link)
	if err != nil {
		a.logger.Warn("page fetch for %s failed: %v", results[0].Link, err)
	} else {
		retrieved.WriteString(collapseWhitespace(pageText))
	}
	for _, result := range results[1:] {
		if result.Snippet == "" {
			continue
		}
		if retrieved.Len() > 0 {
			retrieved.WriteString("\n")
		}
		retrieved.WriteString(collapseWhitespace(result.Snippet))
	}

	if retrieved.Len() == 0 {
		return prompt
	}

	webContext := retrieved.String()
	if len(webContext) > contextBudget {
		webContext = webContext[:contextBudget]
	}

	var rewritten strings.Builder
	rewritten.WriteString("Using the following web content, answer the question after it. ")
	rewritten.WriteString("If the content is not relevant, answer from your own knowledge.\n\n")
	rewritten.WriteString("Web content:\n")
	rewritten.WriteString(webContext)
	rewritten.WriteString("\n\nQuestion: ")
	rewritten.WriteString(prompt)
	return rewritten.String()
}

// collapseWhitespace squeezes runs of whitespace into single spaces while
// keeping line breaks between blocks.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
