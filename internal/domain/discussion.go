package domain

import "time"

// ParsedDiscussion is the canonical, source-agnostic shape an adapter
// produces from a raw inbound payload. It is transient: constructed per
// inbound request and never persisted as-is.
type ParsedDiscussion struct {
	SourceType     string            `json:"sourceType"`
	SourceThreadID string            `json:"sourceThreadId"`
	SourceURL      string            `json:"sourceUrl"`
	TeamID         string            `json:"teamId"`
	AuthorHandle   string            `json:"authorHandle"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Participants   []string          `json:"participants,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ThreadMessage is a single message within a discussion thread.
type ThreadMessage struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// DiscussionThread is the full context of a discussion: the root message
// plus ordered replies. Fetched lazily; single-comment sources may never
// need it.
type DiscussionThread struct {
	Root         ThreadMessage   `json:"root"`
	Replies      []ThreadMessage `json:"replies"`
	Participants []string        `json:"participants,omitempty"`
}
