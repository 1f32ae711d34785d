// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package background

import (
	"strings"

	"github.com/oakdev/oak-ci/internal/activitystore"
)

// classifyEditThreshold is K in the tool-distribution heuristic: at least
// this many edits makes a batch "implementation", at least this many reads
// with no edits makes it "exploration".
const classifyEditThreshold = 2

// Classify labels a batch by its tool distribution. Plan payloads win
// outright; failure-heavy batches with file activity read as debugging.
func Classify(batch *activitystore.PromptBatch, activities []activitystore.Activity) activitystore.Classification {
	if batch.SourceType == activitystore.SourcePlan || (batch.PlanContent != nil && *batch.PlanContent != "") {
		return activitystore.ClassPlan
	}

	var edits, reads, failures int
	for _, a := range activities {
		switch a.ToolName {
		case "Edit", "Write", "MultiEdit", "NotebookEdit":
			edits++
		case "Read", "Grep", "Glob":
			reads++
		}
		if !a.Success {
			failures++
		}
	}

	switch {
	case failures >= classifyEditThreshold && reads+edits > 0:
		return activitystore.ClassDebugging
	case edits >= classifyEditThreshold && mentionsRefactor(batch.UserPrompt):
		return activitystore.ClassRefactoring
	case edits >= classifyEditThreshold:
		return activitystore.ClassImplementation
	case reads >= classifyEditThreshold && edits == 0:
		return activitystore.ClassExploration
	default:
		return activitystore.ClassOther
	}
}

func mentionsRefactor(prompt string) bool {
	p := strings.ToLower(prompt)
	return strings.Contains(p, "refactor") || strings.Contains(p, "clean up") || strings.Contains(p, "rename")
}
