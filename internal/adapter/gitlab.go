package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"tasklens.dev/processor/internal/domain"
)

const SourceTypeGitLab = "gitlab"

// gitlabStatusEmoji maps pipeline statuses onto award emoji names.
var gitlabStatusEmoji = map[Status]string{
	StatusProcessing: "hourglass_flowing_sand",
	StatusCompleted:  "white_check_mark",
	StatusFailed:     "x",
}

// GitLabAdapter normalizes GitLab issue note webhooks and performs
// write-backs through the GitLab REST API.
type GitLabAdapter struct{}

func NewGitLabAdapter() *GitLabAdapter {
	return &GitLabAdapter{}
}

func (a *GitLabAdapter) SourceType() string {
	return SourceTypeGitLab
}

// gitlabNoteEvent is the subset of the Note Hook payload the pipeline
// needs. Parsed locally instead of through client-go's webhook types so a
// missing discussion_id field in older payloads stays visible.
type gitlabNoteEvent struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID                int    `json:"id"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		Note         string `json:"note"`
		NoteableType string `json:"noteable_type"`
		URL          string `json:"url"`
		DiscussionID string `json:"discussion_id"`
		CreatedAt    string `json:"created_at"`
	} `json:"object_attributes"`
	Issue struct {
		IID   int    `json:"iid"`
		Title string `json:"title"`
	} `json:"issue"`
}

func (a *GitLabAdapter) ParseIncoming(payload []byte, headers map[string]string) (*domain.ParsedDiscussion, error) {
	var event gitlabNoteEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &AdapterError{SourceType: SourceTypeGitLab, Op: "parse", Err: fmt.Errorf("unmarshal note event: %w", err)}
	}

	if event.ObjectKind != "note" {
		return nil, &AdapterError{SourceType: SourceTypeGitLab, Op: "parse", Err: fmt.Errorf("unsupported object kind %q", event.ObjectKind)}
	}
	if event.ObjectAttributes.NoteableType != "" && event.ObjectAttributes.NoteableType != "Issue" {
		return nil, &AdapterError{SourceType: SourceTypeGitLab, Op: "parse", Err: fmt.Errorf("unsupported noteable type %q", event.ObjectAttributes.NoteableType)}
	}

	// The project namespace is the team identity. A note that cannot be
	// attributed to a namespace cannot be routed to a flow.
	teamID := ""
	if idx := strings.LastIndex(event.Project.PathWithNamespace, "/"); idx > 0 {
		teamID = event.Project.PathWithNamespace[:idx]
	}
	if teamID == "" {
		return nil, &AdapterError{
			SourceType: SourceTypeGitLab,
			Op:         "parse",
			Err:        fmt.Errorf("cannot resolve team from project path %q", event.Project.PathWithNamespace),
		}
	}

	timestamp := time.Now().UTC()
	if ts, err := time.Parse("2006-01-02 15:04:05 MST", event.ObjectAttributes.CreatedAt); err == nil {
		timestamp = ts
	}

	return &domain.ParsedDiscussion{
		SourceType:     SourceTypeGitLab,
		SourceThreadID: gitlabThreadID(event.Project.ID, event.Issue.IID, event.ObjectAttributes.DiscussionID),
		SourceURL:      event.ObjectAttributes.URL,
		TeamID:         teamID,
		AuthorHandle:   event.User.Username,
		Title:          event.Issue.Title,
		Content:        event.ObjectAttributes.Note,
		Timestamp:      timestamp,
		Metadata: map[string]string{
			"projectId":    strconv.Itoa(event.Project.ID),
			"issueIid":     strconv.Itoa(event.Issue.IID),
			"discussionId": event.ObjectAttributes.DiscussionID,
		},
	}, nil
}

func (a *GitLabAdapter) FetchThread(ctx context.Context, threadID string, cfg SourceConfig) (*domain.DiscussionThread, error) {
	projectID, issueIID, discussionID, err := parseGitLabThreadID(threadID)
	if err != nil {
		return nil, &AdapterError{SourceType: SourceTypeGitLab, Op: "fetch_thread", Err: err}
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return nil, &AdapterError{SourceType: SourceTypeGitLab, Op: "fetch_thread", Err: err}
	}

	var notes []*gitlab.Note
	opts := &gitlab.ListIssueDiscussionsOptions{PerPage: 100}
	for {
		discussions, resp, err := client.Discussions.ListIssueDiscussions(projectID, issueIID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, &AdapterError{
				SourceType: SourceTypeGitLab,
				Op:         "fetch_thread",
				Retryable:  isGitLabTransient(resp),
				Err:        fmt.Errorf("listing issue discussions: %w", err),
			}
		}
		for _, d := range discussions {
			if discussionID != "" && d.ID != discussionID {
				continue
			}
			for _, n := range d.Notes {
				if n.System {
					continue
				}
				notes = append(notes, n)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if len(notes) == 0 {
		return nil, &AdapterError{
			SourceType: SourceTypeGitLab,
			Op:         "fetch_thread",
			Err:        fmt.Errorf("discussion %q has no notes", discussionID),
		}
	}

	thread := &domain.DiscussionThread{Root: gitlabNoteMessage(notes[0])}
	seen := map[string]bool{}
	for _, n := range notes {
		if !seen[n.Author.Username] {
			seen[n.Author.Username] = true
			thread.Participants = append(thread.Participants, n.Author.Username)
		}
	}
	for _, n := range notes[1:] {
		thread.Replies = append(thread.Replies, gitlabNoteMessage(n))
	}
	return thread, nil
}

func (a *GitLabAdapter) PostReply(ctx context.Context, threadID, message string, cfg SourceConfig) (bool, error) {
	projectID, issueIID, discussionID, err := parseGitLabThreadID(threadID)
	if err != nil {
		return false, err
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return false, err
	}

	if discussionID != "" {
		_, resp, err := client.Discussions.AddIssueDiscussionNote(projectID, issueIID, discussionID,
			&gitlab.AddIssueDiscussionNoteOptions{Body: gitlab.Ptr(message)}, gitlab.WithContext(ctx))
		if err != nil {
			if isGitLabTransient(resp) {
				return false, nil
			}
			return false, fmt.Errorf("adding discussion note: %w", err)
		}
		return true, nil
	}

	_, resp, err := client.Notes.CreateIssueNote(projectID, issueIID,
		&gitlab.CreateIssueNoteOptions{Body: gitlab.Ptr(message)}, gitlab.WithContext(ctx))
	if err != nil {
		if isGitLabTransient(resp) {
			return false, nil
		}
		return false, fmt.Errorf("creating issue note: %w", err)
	}
	return true, nil
}

func (a *GitLabAdapter) UpdateStatus(ctx context.Context, threadID string, status Status, cfg SourceConfig) (bool, error) {
	projectID, issueIID, _, err := parseGitLabThreadID(threadID)
	if err != nil {
		return false, err
	}

	emoji, ok := gitlabStatusEmoji[status]
	if !ok {
		return false, fmt.Errorf("no emoji mapping for status %q", status)
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return false, err
	}

	_, resp, err := client.AwardEmoji.CreateIssueAwardEmoji(projectID, issueIID,
		&gitlab.CreateAwardEmojiOptions{Name: emoji}, gitlab.WithContext(ctx))
	if err != nil {
		if isGitLabTransient(resp) {
			return false, nil
		}
		return false, fmt.Errorf("creating award emoji: %w", err)
	}
	return true, nil
}

func (a *GitLabAdapter) ValidateConfig(cfg SourceConfig) ValidationResult {
	var errs []string
	if cfg.Token == "" {
		errs = append(errs, "token is required")
	}
	if cfg.BaseURL != "" && !strings.HasPrefix(cfg.BaseURL, "http") {
		errs = append(errs, "baseUrl must be an http(s) URL")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (a *GitLabAdapter) TestConnection(ctx context.Context, cfg SourceConfig) (bool, error) {
	client, err := a.newClient(cfg)
	if err != nil {
		return false, err
	}
	_, _, err = client.Users.CurrentUser(gitlab.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetching current user: %w", err)
	}
	return true, nil
}

func (a *GitLabAdapter) newClient(cfg SourceConfig) (*gitlab.Client, error) {
	opts := []gitlab.ClientOptionFunc{}
	if cfg.BaseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(cfg.BaseURL))
	}
	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return client, nil
}

func gitlabThreadID(projectID, issueIID int, discussionID string) string {
	return fmt.Sprintf("%d/%d/%s", projectID, issueIID, discussionID)
}

func parseGitLabThreadID(threadID string) (projectID, issueIID int, discussionID string, err error) {
	parts := strings.SplitN(threadID, "/", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("malformed gitlab thread id %q", threadID)
	}
	projectID, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed project id in thread id %q", threadID)
	}
	issueIID, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed issue iid in thread id %q", threadID)
	}
	return projectID, issueIID, parts[2], nil
}

func gitlabNoteMessage(n *gitlab.Note) domain.ThreadMessage {
	msg := domain.ThreadMessage{
		ID:     strconv.Itoa(n.ID),
		Author: n.Author.Username,
		Body:   n.Body,
	}
	if n.CreatedAt != nil {
		msg.CreatedAt = *n.CreatedAt
	}
	return msg
}

func isGitLabTransient(resp *gitlab.Response) bool {
	if resp == nil {
		// No response at all means a network failure; worth retrying.
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
