package domain

import "time"

// DetectedTask is a single actionable item extracted from discussion text.
// Optional fields are pointers: the AI leaving a field out is distinct from
// an empty value, and that distinction must survive persistence.
type DetectedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    *string  `json:"priority,omitempty"`
	Type        *string  `json:"type,omitempty"`
	Assignee    *string  `json:"assignee,omitempty"`
	Domain      *string  `json:"domain,omitempty"`
	DueDate     *string  `json:"dueDate,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TaskDetection groups the detected tasks with the multi-task flag.
type TaskDetection struct {
	IsMultiTask bool           `json:"isMultiTask"`
	Tasks       []DetectedTask `json:"tasks"`
}

// AIAnalysisResult is the output of the analysis engine for one discussion.
type AIAnalysisResult struct {
	Summary        string        `json:"summary"`
	KeyPoints      []string      `json:"keyPoints"`
	TaskDetection  TaskDetection `json:"taskDetection"`
	ProcessingTime time.Duration `json:"processingTime"`
	Cached         bool          `json:"cached"`
}

// TaskRef identifies a task record created in a downstream destination.
type TaskRef struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}
