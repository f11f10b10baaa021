package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"tasklens.dev/processor/internal/domain"
)

const OutputTypeNotion = "notion"

const notionAPIBase = "https://api.notion.com/v1"
const notionVersion = "2022-06-28"

// NotionConfig is the destination-specific config a FlowOutput carries for
// a Notion database destination.
type NotionConfig struct {
	Token      string `json:"token"`
	DatabaseID string `json:"databaseId"`
	BaseURL    string `json:"baseUrl,omitempty"`
}

// NotionCreator creates pages in a Notion database, one per detected task.
type NotionCreator struct {
	client *http.Client
}

func NewNotionCreator() *NotionCreator {
	return &NotionCreator{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *NotionCreator) OutputType() string {
	return OutputTypeNotion
}

type notionPageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *NotionCreator) CreateTask(ctx context.Context, task domain.DetectedTask, config json.RawMessage) (*domain.TaskRef, error) {
	var cfg NotionConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("unmarshal notion output config: %w", err)).WithContext("outputType", OutputTypeNotion)
	}
	if cfg.Token == "" || cfg.DatabaseID == "" {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("notion output config missing token or databaseId")).WithContext("outputType", OutputTypeNotion)
	}

	payload, err := json.Marshal(notionPageBody(task, cfg.DatabaseID))
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("marshal notion page: %w", err)).WithContext("outputType", OutputTypeNotion)
	}

	base := cfg.BaseURL
	if base == "" {
		base = notionAPIBase
	}

	var page notionPageResponse
	transient := false
	// Rate limits and transient upstream errors get a short bounded retry
	// here; anything surviving it is reported retryable to the orchestrator.
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		transient = false
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/pages", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", notionVersion)

		resp, err := c.client.Do(req)
		if err != nil {
			transient = true
			return retry.RetryableError(fmt.Errorf("notion request: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		if err != nil {
			transient = true
			return retry.RetryableError(fmt.Errorf("read response: %w", err))
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			transient = true
			return retry.RetryableError(fmt.Errorf("notion returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("notion returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("unmarshal page response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, transient, err).
			WithContext("outputType", OutputTypeNotion)
	}

	return &domain.TaskRef{
		ID:        page.ID,
		URL:       page.URL,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func notionPageBody(task domain.DetectedTask, databaseID string) map[string]any {
	properties := map[string]any{
		"Name": map[string]any{
			"title": []map[string]any{
				{"text": map[string]any{"content": task.Title}},
			},
		},
	}
	if task.Priority != nil {
		properties["Priority"] = map[string]any{"select": map[string]any{"name": *task.Priority}}
	}
	if task.Assignee != nil {
		properties["Assignee"] = map[string]any{
			"rich_text": []map[string]any{
				{"text": map[string]any{"content": *task.Assignee}},
			},
		}
	}
	if task.Domain != nil {
		properties["Domain"] = map[string]any{"select": map[string]any{"name": *task.Domain}}
	}
	if task.DueDate != nil {
		properties["Due"] = map[string]any{"date": map[string]any{"start": *task.DueDate}}
	}
	if len(task.Tags) > 0 {
		tags := make([]map[string]any, 0, len(task.Tags))
		for _, t := range task.Tags {
			tags = append(tags, map[string]any{"name": t})
		}
		properties["Tags"] = map[string]any{"multi_select": tags}
	}

	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": properties,
	}
	if task.Description != "" {
		body["children"] = []map[string]any{
			{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []map[string]any{
						{"text": map[string]any{"content": task.Description}},
					},
				},
			},
		}
	}
	return body
}
