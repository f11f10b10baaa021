package dto

import (
	"tasklens.dev/processor/internal/adapter"
	"tasklens.dev/processor/internal/domain"
)

const (
	ProcessTypeDirect    = "direct"
	ProcessTypeReprocess = "reprocess"
	ProcessTypeRetry     = "retry"
)

// ProcessRequest is the single entry-point envelope. Which fields are
// required depends on Type; the handler validates per shape.
type ProcessRequest struct {
	Type         string                   `json:"type" binding:"required"`
	Parsed       *domain.ParsedDiscussion `json:"parsed,omitempty"`
	Options      *ProcessRequestOptions   `json:"options,omitempty"`
	DiscussionID int64                    `json:"discussionId,omitempty"`
	Force        bool                     `json:"force,omitempty"`
}

type ProcessRequestOptions struct {
	Thread     *domain.DiscussionThread `json:"thread,omitempty"`
	Config     *adapter.SourceConfig    `json:"config,omitempty"`
	SkipAI     bool                     `json:"skipAI,omitempty"`
	SkipNotion bool                     `json:"skipNotion,omitempty"`
}

type ProcessResponse struct {
	Success bool                `json:"success"`
	Data    ProcessResponseData `json:"data"`
}

type ProcessResponseData struct {
	DiscussionID int64             `json:"discussionId"`
	AIAnalysis   AnalysisSummary   `json:"aiAnalysis"`
	NotionTasks  []CreatedTaskRef  `json:"notionTasks"`
	ProcessingMS int64             `json:"processingTime"`
	TotalMS      int64             `json:"totalTime"`
}

type AnalysisSummary struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"keyPoints"`
	TaskCount   int      `json:"taskCount"`
	IsMultiTask bool     `json:"isMultiTask"`
	Cached      bool     `json:"cached"`
}

type CreatedTaskRef struct {
	TaskID string `json:"taskId"`
	URL    string `json:"url,omitempty"`
}

// ErrorResponse is the uniform failure envelope.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message       string   `json:"message"`
	Stage         string   `json:"stage,omitempty"`
	Retryable     bool     `json:"retryable,omitempty"`
	MissingFields []string `json:"missingFields,omitempty"`
}

// DiscussionResponse is the read-back shape for GET /discussions/:id.
type DiscussionResponse struct {
	ID           int64            `json:"id"`
	FlowID       int64            `json:"flowId"`
	SourceType   string           `json:"sourceType"`
	SourceURL    string           `json:"sourceUrl"`
	Status       string           `json:"status"`
	Attempts     int              `json:"attempts"`
	Stage        *string          `json:"stage,omitempty"`
	Error        *string          `json:"error,omitempty"`
	NotifyError  *string          `json:"notifyError,omitempty"`
	AIAnalysis   *AnalysisSummary `json:"aiAnalysis,omitempty"`
	Tasks        []CreatedTaskRef `json:"tasks"`
	ProcessingMS int64            `json:"processingTime"`
	CreatedAt    string           `json:"createdAt"`
	CompletedAt  *string          `json:"completedAt,omitempty"`
}
