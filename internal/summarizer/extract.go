// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oakdev/oak-ci/internal/activitystore"
)

const (
	titleSystemPrompt = `You generate a short title for a coding session. Respond with a single line of at most 10 words, no quotes.`

	summarySystemPrompt = `You summarize a coding session for future recall. Respond with 2-4 sentences describing what was attempted, what changed, and what remains open. No preamble.`

	extractSystemPrompt = `You distill durable observations from a coding agent's activity log. Respond with ONLY a JSON array; each element is {"type":"discovery|gotcha|decision|bug_fix|trade_off","observation":"...","context":"...","tags":["..."],"importance":"low|medium|high","file_path":"..."}. Return [] when nothing durable was learned. JSON array only, no other text.`
)

// ObservationDraft is one extracted observation before it is persisted.
type ObservationDraft struct {
	Type        string   `json:"type"`
	Observation string   `json:"observation"`
	Context     string   `json:"context"`
	Tags        []string `json:"tags"`
	Importance  string   `json:"importance"`
	FilePath    string   `json:"file_path"`
}

// GenerateTitle produces a one-line session title from its batches.
func GenerateTitle(ctx context.Context, s Summarizer, batches []activitystore.PromptBatch) (string, error) {
	var b strings.Builder
	for _, batch := range batches {
		fmt.Fprintf(&b, "- %s\n", truncate(batch.UserPrompt, 200))
	}
	if b.Len() == 0 {
		b.WriteString("(no prompts recorded)")
	}
	return s.Complete(ctx, titleSystemPrompt, b.String())
}

// GenerateSummary produces a few-sentence session summary from its batches
// and activity digest.
func GenerateSummary(ctx context.Context, s Summarizer, batches []activitystore.PromptBatch, activities []activitystore.Activity) (string, error) {
	var b strings.Builder
	b.WriteString("Prompts:\n")
	for _, batch := range batches {
		fmt.Fprintf(&b, "- %s\n", truncate(batch.UserPrompt, 300))
	}
	b.WriteString("\nTool activity:\n")
	for _, a := range digest(activities, 40) {
		b.WriteString(a)
		b.WriteByte('\n')
	}
	return s.Complete(ctx, summarySystemPrompt, clampToWindow(s, b.String()))
}

// ExtractObservations asks the provider for durable observations from one
// completed batch. A malformed response is an error the caller retries
// with backoff; an empty array is a clean no-op.
func ExtractObservations(ctx context.Context, s Summarizer, batch *activitystore.PromptBatch, activities []activitystore.Activity) ([]ObservationDraft, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User prompt: %s\n\nActivity:\n", truncate(batch.UserPrompt, 500))
	for _, a := range digest(activities, 60) {
		b.WriteString(a)
		b.WriteByte('\n')
	}

	raw, err := s.Complete(ctx, extractSystemPrompt, clampToWindow(s, b.String()))
	if err != nil {
		return nil, err
	}

	// Providers occasionally fence the JSON; strip that before parsing.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var drafts []ObservationDraft
	if err := json.Unmarshal([]byte(raw), &drafts); err != nil {
		return nil, fmt.Errorf("summarizer: parse observations: %w", err)
	}

	out := drafts[:0]
	for _, d := range drafts {
		if strings.TrimSpace(d.Observation) == "" {
			continue
		}
		if !validObservationType(d.Type) {
			d.Type = string(activitystore.ObsDiscovery)
		}
		if d.Importance != "low" && d.Importance != "medium" && d.Importance != "high" {
			d.Importance = "medium"
		}
		out = append(out, d)
	}
	return out, nil
}

func validObservationType(t string) bool {
	switch activitystore.ObservationType(t) {
	case activitystore.ObsDiscovery, activitystore.ObsGotcha, activitystore.ObsDecision,
		activitystore.ObsBugFix, activitystore.ObsTradeOff:
		return true
	}
	return false
}

// digest renders activities as compact one-liners, capped at n.
func digest(activities []activitystore.Activity, n int) []string {
	if len(activities) > n {
		activities = activities[len(activities)-n:]
	}
	out := make([]string, 0, len(activities))
	for _, a := range activities {
		status := "ok"
		if !a.Success {
			status = "FAILED"
			if a.ErrorMessage != nil {
				status = "FAILED: " + truncate(*a.ErrorMessage, 80)
			}
		}
		target := ""
		if a.FilePath != nil {
			target = " " + *a.FilePath
		}
		out = append(out, fmt.Sprintf("- %s%s (%s)", a.ToolName, target, status))
	}
	return out
}

// clampToWindow trims the prompt to roughly fit the provider's context
// window, assuming ~4 bytes per token with headroom for the system prompt.
func clampToWindow(s Summarizer, text string) string {
	budget := s.ContextWindow()*4 - 2048
	if budget > 0 && len(text) > budget {
		return text[:budget]
	}
	return text
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
