package model

import (
	"time"

	"tasklens.dev/processor/internal/domain"
)

// DiscussionStatus is the lifecycle state of one processing attempt.
type DiscussionStatus string

const (
	DiscussionStatusPending    DiscussionStatus = "pending"
	DiscussionStatusProcessing DiscussionStatus = "processing"
	DiscussionStatusAnalyzed   DiscussionStatus = "analyzed"
	DiscussionStatusCompleted  DiscussionStatus = "completed"
	DiscussionStatusFailed     DiscussionStatus = "failed"
	DiscussionStatusRetrying   DiscussionStatus = "retrying"
)

// legalTransitions encodes the state machine: pending → processing →
// analyzed → completed, failed reachable from processing or analyzed, and
// retrying as the only way back from failed into processing.
var legalTransitions = map[DiscussionStatus][]DiscussionStatus{
	DiscussionStatusPending:    {DiscussionStatusProcessing},
	DiscussionStatusProcessing: {DiscussionStatusAnalyzed, DiscussionStatusFailed},
	DiscussionStatusAnalyzed:   {DiscussionStatusCompleted, DiscussionStatusFailed},
	DiscussionStatusFailed:     {DiscussionStatusRetrying},
	DiscussionStatusRetrying:   {DiscussionStatusProcessing, DiscussionStatusFailed},
	DiscussionStatusCompleted:  {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to DiscussionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a discussion in this status with the given
// attempt count can make no further progress.
func (s DiscussionStatus) IsTerminal(attempts, maxAttempts int) bool {
	if s == DiscussionStatusCompleted {
		return true
	}
	return s == DiscussionStatusFailed && attempts >= maxAttempts
}

// OutputRef records one task created in a destination, keyed so a resumed
// attempt can tell which fan-out calls already succeeded.
type OutputRef struct {
	OutputID   int64          `json:"outputId"`
	OutputType string         `json:"outputType"`
	TaskIndex  int            `json:"taskIndex"`
	Ref        domain.TaskRef `json:"ref"`
}

// Discussion is the durable record tracking one discussion end-to-end.
// Created at pending, mutated by the orchestrator at every stage boundary,
// never deleted by the pipeline itself.
type Discussion struct {
	ID             int64
	FlowID         int64
	SourceType     string
	SourceThreadID string
	SourceURL      string
	TeamID         string
	AuthorHandle   string
	Title          string
	Content        string
	Participants   []string
	Metadata       map[string]string

	Status       DiscussionStatus
	Attempts     int
	Stage        *string
	Error        *string
	ErrorStack   *string
	NotifyError  *string
	Analysis     *domain.AIAnalysisResult
	OutputRefs   []OutputRef
	ProcessingMS int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// HasOutputRef reports whether a task was already created for the given
// output and task index in a previous attempt.
func (d *Discussion) HasOutputRef(outputID int64, taskIndex int) bool {
	for _, ref := range d.OutputRefs {
		if ref.OutputID == outputID && ref.TaskIndex == taskIndex {
			return true
		}
	}
	return false
}
