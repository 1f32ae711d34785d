// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"encoding/json"
	"time"
)

// SessionStatus is a Session's lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is one agent "conversation".
type Session struct {
	ID                   string
	Agent                string
	ProjectRoot          string
	StartedAt            time.Time
	EndedAt              *time.Time
	Status               SessionStatus
	PromptCount          int
	ToolCount            int
	Title                *string
	Summary              *string
	CurrentPromptBatchID *string
}

// BatchStatus is a PromptBatch's lifecycle state.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
)

// Classification labels a completed batch by its dominant activity.
type Classification string

const (
	ClassExploration    Classification = "exploration"
	ClassImplementation Classification = "implementation"
	ClassDebugging      Classification = "debugging"
	ClassRefactoring    Classification = "refactoring"
	ClassPlan           Classification = "plan"
	ClassOther          Classification = "other"
)

// SourceType distinguishes how a PromptBatch was opened.
type SourceType string

const (
	SourceUser              SourceType = "user"
	SourceAgentNotification SourceType = "agent_notification"
	SourcePlan              SourceType = "plan"
)

// PromptBatch is the record of one user turn and the tool activity that
// belongs to it.
type PromptBatch struct {
	ID             string
	SessionID      string
	PromptNumber   int
	UserPrompt     string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         BatchStatus
	ActivityCount  int
	Classification *Classification
	SourceType     SourceType
	PlanFilePath   *string
	PlanContent    *string
	PlanEmbedded   bool
}

// Activity is one PostToolUse/PostToolUseFailure record.
type Activity struct {
	ID                string
	SessionID         string
	PromptBatchID     string
	ToolName          string
	ToolInput         json.RawMessage
	ToolOutputSummary *string
	FilePath          *string
	Success           bool
	ErrorMessage      *string
	CreatedAt         time.Time
	// ToolUseID is the hook's idempotency key (see AppendActivity);
	// empty when the hook payload carried none.
	ToolUseID string
}

// ObservationType is the kind of memory an Observation records.
type ObservationType string

const (
	ObsDiscovery      ObservationType = "discovery"
	ObsGotcha         ObservationType = "gotcha"
	ObsDecision       ObservationType = "decision"
	ObsBugFix         ObservationType = "bug_fix"
	ObsTradeOff       ObservationType = "trade_off"
	ObsSessionSummary ObservationType = "session_summary"
	ObsPlan           ObservationType = "plan"
)

// Importance is an Observation's relative weight.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// Observation is a distilled memory.
type Observation struct {
	ID            string
	SessionID     string
	PromptBatchID string
	Type          ObservationType
	Text          string
	Context       *string
	Tags          []string
	Importance    Importance
	FilePath      *string
	CreatedAt     time.Time
	Embedded      bool
	Archived      bool
	Source        string // "background" | "manual"
}

// IndexedFile is the relational shadow of the code collection's current
// truth.
type IndexedFile struct {
	Filepath      string
	ContentHash   string
	Mtime         time.Time
	ChunkCount    int
	LastIndexedAt time.Time
	LastError     *string
}

// ObservationFilters narrows ListObservations.
type ObservationFilters struct {
	Type      *ObservationType
	Tag       *string
	StartDate *time.Time
	EndDate   *time.Time
	Archived  *bool
	Limit     int
	Offset    int
}
