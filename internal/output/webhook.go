package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tasklens.dev/processor/common/id"
	"tasklens.dev/processor/internal/domain"
)

const OutputTypeWebhook = "webhook"

// WebhookConfig is the destination config for a generic JSON POST output.
type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// WebhookCreator delivers the task as a JSON POST to a configured URL.
// The receiver may return its own id/url for the created record; when it
// does not, a locally generated reference is used.
type WebhookCreator struct {
	client *http.Client
}

func NewWebhookCreator() *WebhookCreator {
	return &WebhookCreator{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *WebhookCreator) OutputType() string {
	return OutputTypeWebhook
}

type webhookResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *WebhookCreator) CreateTask(ctx context.Context, task domain.DetectedTask, config json.RawMessage) (*domain.TaskRef, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("unmarshal webhook output config: %w", err)).WithContext("outputType", OutputTypeWebhook)
	}
	if cfg.URL == "" {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("webhook output config missing url")).WithContext("outputType", OutputTypeWebhook)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("marshal task: %w", err)).WithContext("outputType", OutputTypeWebhook)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("create request: %w", err)).WithContext("outputType", OutputTypeWebhook)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		req.Header.Set("X-Webhook-Secret", cfg.Secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, true,
			fmt.Errorf("webhook request: %w", err)).WithContext("outputType", OutputTypeWebhook)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageOutput, true,
			fmt.Errorf("read response: %w", err)).WithContext("outputType", OutputTypeWebhook)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, domain.NewProcessingError(domain.StageOutput, true,
			fmt.Errorf("webhook returned %d", resp.StatusCode)).WithContext("outputType", OutputTypeWebhook)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewProcessingError(domain.StageOutput, false,
			fmt.Errorf("webhook returned %d", resp.StatusCode)).WithContext("outputType", OutputTypeWebhook)
	}

	ref := &domain.TaskRef{CreatedAt: time.Now().UTC()}
	var parsed webhookResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.ID != "" {
		ref.ID = parsed.ID
		ref.URL = parsed.URL
	} else {
		ref.ID = strconv.FormatInt(id.New(), 10)
		ref.URL = cfg.URL
	}
	return ref, nil
}
