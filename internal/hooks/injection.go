// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/retrieval"
)

const (
	maxLinesPerChunk = 40
	maxSummaries     = 3
	headBudget       = 200
)

// InjectionBuilder renders the additional_context markdown returned to the
// agent: code chunks, memories, and prior session summaries.
type InjectionBuilder struct {
	engine *retrieval.Engine
	store  *activitystore.Store
	topK   int
}

// NewInjectionBuilder wires a builder.
func NewInjectionBuilder(engine *retrieval.Engine, store *activitystore.Store, topK int) *InjectionBuilder {
	if topK <= 0 {
		topK = 8
	}
	return &InjectionBuilder{engine: engine, store: store, topK: topK}
}

// BuildSessionContext renders prior session summaries for SessionStart.
func (ib *InjectionBuilder) BuildSessionContext(ctx context.Context, projectRoot string) string {
	var b strings.Builder
	ib.appendSummaries(ctx, &b, projectRoot)
	return strings.TrimSpace(b.String())
}

// BuildPromptContext renders the full injection for a new user prompt:
// high-confidence code chunks, high-confidence memories, and prior session
// summaries, in that order.
func (ib *InjectionBuilder) BuildPromptContext(ctx context.Context, projectRoot, prompt string) string {
	var b strings.Builder

	ib.appendCodeChunks(ctx, &b, prompt)
	ib.appendMemories(ctx, &b, prompt)
	ib.appendSummaries(ctx, &b, projectRoot)

	return strings.TrimSpace(b.String())
}

// BuildFileContext renders memories relevant to a just-touched file, keyed
// by the rich query built from the file path and recent heads.
func (ib *InjectionBuilder) BuildFileContext(ctx context.Context, filePath, toolOutputHead, promptHead string) string {
	var b strings.Builder
	ib.appendMemories(ctx, &b, BuildRichQuery(filePath, toolOutputHead, promptHead))
	return strings.TrimSpace(b.String())
}

func (ib *InjectionBuilder) appendCodeChunks(ctx context.Context, b *strings.Builder, query string) {
	res, err := ib.engine.Query(ctx, query, retrieval.SearchCode, retrieval.Options{Limit: ib.topK})
	if err != nil {
		logger.Warnf("injection: code query: %v", err)
		return
	}
	high := res.FilterByConfidence(retrieval.TierHigh)
	if len(high) == 0 {
		return
	}

	b.WriteString("## Relevant code\n\n")
	for _, it := range high {
		header := fmt.Sprintf("**%s** (L%s-%s)", it.Metadata["filepath"], it.Metadata["start_line"], it.Metadata["end_line"])
		if sym := it.Metadata["symbol"]; sym != "" {
			header += " - " + sym
		}
		b.WriteString(header)
		b.WriteString("\n```\n")
		b.WriteString(clampLines(it.Content, maxLinesPerChunk))
		b.WriteString("\n```\n\n")
	}
}

func (ib *InjectionBuilder) appendMemories(ctx context.Context, b *strings.Builder, query string) {
	if query == "" {
		return
	}
	res, err := ib.engine.Query(ctx, query, retrieval.SearchMemory, retrieval.Options{Limit: ib.topK})
	if err != nil {
		logger.Warnf("injection: memory query: %v", err)
		return
	}

	var lines []string
	for _, it := range res.FilterByConfidence(retrieval.TierHigh) {
		if it.Metadata["archived"] == "true" {
			continue
		}
		line := fmt.Sprintf("- [%s] %s", it.Metadata["type"], it.Content)
		if tags := it.Metadata["tags"]; tags != "" {
			line += " (" + tags + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}

	b.WriteString("## Project memories\n\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

func (ib *InjectionBuilder) appendSummaries(ctx context.Context, b *strings.Builder, projectRoot string) {
	sessions, err := ib.store.ListRecentSummaries(ctx, projectRoot, maxSummaries)
	if err != nil {
		logger.Warnf("injection: recent summaries: %v", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	b.WriteString("## Recent sessions\n\n")
	for _, sess := range sessions {
		title := "Untitled session"
		if sess.Title != nil {
			title = *sess.Title
		}
		fmt.Fprintf(b, "- **%s**: %s\n", title, *sess.Summary)
	}
	b.WriteByte('\n')
}

var lineMarkerRe = regexp.MustCompile(`(?m)^\s*\d+[-:]\s*`)

// BuildRichQuery concatenates a file path with the heads of the tool
// output and user prompt, stripping retrieval noise first: a leading
// "Read " prefix, numeric line markers ("123-", "45:"), and leading JSON
// braces/brackets. The result is prefix-deterministic: the same inputs
// always produce the same query.
func BuildRichQuery(filePath, toolOutputHead, promptHead string) string {
	parts := []string{
		stripNoise(filePath),
		stripNoise(truncateHead(toolOutputHead, headBudget)),
		stripNoise(truncateHead(promptHead, headBudget)),
	}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func stripNoise(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Read ")
	s = lineMarkerRe.ReplaceAllString(s, "")
	for len(s) > 0 && (s[0] == '{' || s[0] == '[') {
		s = strings.TrimSpace(s[1:])
	}
	return strings.TrimSpace(s)
}

func clampLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}
