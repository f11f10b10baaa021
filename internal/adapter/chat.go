package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tasklens.dev/processor/internal/domain"
)

const SourceTypeChat = "chat"

const defaultChatBaseURL = "https://slack.com/api"

var chatStatusEmoji = map[Status]string{
	StatusProcessing: "hourglass",
	StatusCompleted:  "white_check_mark",
	StatusFailed:     "x",
}

// ChatAdapter handles Slack-compatible chat workspaces: message events in,
// threaded replies and reactions out.
type ChatAdapter struct{}

func NewChatAdapter() *ChatAdapter {
	return &ChatAdapter{}
}

func (a *ChatAdapter) SourceType() string {
	return SourceTypeChat
}

type chatEventEnvelope struct {
	TeamID string `json:"team_id"`
	Event  struct {
		Type     string `json:"type"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		Text     string `json:"text"`
		Ts       string `json:"ts"`
		ThreadTs string `json:"thread_ts"`
	} `json:"event"`
}

func (a *ChatAdapter) ParseIncoming(payload []byte, headers map[string]string) (*domain.ParsedDiscussion, error) {
	var envelope chatEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &AdapterError{SourceType: SourceTypeChat, Op: "parse", Err: fmt.Errorf("unmarshal event: %w", err)}
	}

	if envelope.Event.Type != "message" {
		return nil, &AdapterError{SourceType: SourceTypeChat, Op: "parse", Err: fmt.Errorf("unsupported event type %q", envelope.Event.Type)}
	}
	if envelope.TeamID == "" {
		return nil, &AdapterError{SourceType: SourceTypeChat, Op: "parse", Err: fmt.Errorf("event carries no team_id, cannot resolve team")}
	}
	if envelope.Event.Channel == "" || envelope.Event.Ts == "" {
		return nil, &AdapterError{SourceType: SourceTypeChat, Op: "parse", Err: fmt.Errorf("event missing channel or ts")}
	}

	rootTs := envelope.Event.ThreadTs
	if rootTs == "" {
		rootTs = envelope.Event.Ts
	}

	return &domain.ParsedDiscussion{
		SourceType:     SourceTypeChat,
		SourceThreadID: envelope.Event.Channel + ":" + rootTs,
		SourceURL:      fmt.Sprintf("https://app.slack.com/client/%s/%s", envelope.TeamID, envelope.Event.Channel),
		TeamID:         envelope.TeamID,
		AuthorHandle:   envelope.Event.User,
		Title:          chatTitle(envelope.Event.Text),
		Content:        envelope.Event.Text,
		Timestamp:      chatTimestamp(envelope.Event.Ts),
		Metadata: map[string]string{
			"channel": envelope.Event.Channel,
			"ts":      envelope.Event.Ts,
		},
	}, nil
}

type chatMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
	Ts   string `json:"ts"`
}

type chatRepliesResponse struct {
	OK               bool          `json:"ok"`
	Error            string        `json:"error"`
	Messages         []chatMessage `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (a *ChatAdapter) FetchThread(ctx context.Context, threadID string, cfg SourceConfig) (*domain.DiscussionThread, error) {
	channel, rootTs, err := parseChatThreadID(threadID)
	if err != nil {
		return nil, &AdapterError{SourceType: SourceTypeChat, Op: "fetch_thread", Err: err}
	}

	client := a.httpClient(ctx, cfg)
	var messages []chatMessage
	cursor := ""
	for {
		query := url.Values{"channel": {channel}, "ts": {rootTs}, "limit": {"200"}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var page chatRepliesResponse
		status, err := a.getJSON(ctx, client, cfg, "conversations.replies", query, &page)
		if err != nil {
			return nil, &AdapterError{SourceType: SourceTypeChat, Op: "fetch_thread", Retryable: true, Err: err}
		}
		if !page.OK {
			return nil, &AdapterError{
				SourceType: SourceTypeChat,
				Op:         "fetch_thread",
				Retryable:  chatTransient(status, page.Error),
				Err:        fmt.Errorf("conversations.replies: %s", page.Error),
			}
		}

		messages = append(messages, page.Messages...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}

	if len(messages) == 0 {
		return nil, &AdapterError{SourceType: SourceTypeChat, Op: "fetch_thread", Err: fmt.Errorf("thread %s has no messages", threadID)}
	}

	thread := &domain.DiscussionThread{Root: chatThreadMessage(messages[0])}
	seen := map[string]bool{}
	for _, m := range messages {
		if m.User != "" && !seen[m.User] {
			seen[m.User] = true
			thread.Participants = append(thread.Participants, m.User)
		}
	}
	for _, m := range messages[1:] {
		thread.Replies = append(thread.Replies, chatThreadMessage(m))
	}
	return thread, nil
}

type chatAPIResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (a *ChatAdapter) PostReply(ctx context.Context, threadID, message string, cfg SourceConfig) (bool, error) {
	channel, rootTs, err := parseChatThreadID(threadID)
	if err != nil {
		return false, err
	}

	body := map[string]string{"channel": channel, "thread_ts": rootTs, "text": message}
	var result chatAPIResponse
	status, err := a.postJSON(ctx, a.httpClient(ctx, cfg), cfg, "chat.postMessage", body, &result)
	if err != nil {
		return false, nil // network failure, recoverable
	}
	if !result.OK {
		if chatTransient(status, result.Error) {
			return false, nil
		}
		return false, fmt.Errorf("chat.postMessage: %s", result.Error)
	}
	return true, nil
}

func (a *ChatAdapter) UpdateStatus(ctx context.Context, threadID string, status Status, cfg SourceConfig) (bool, error) {
	channel, rootTs, err := parseChatThreadID(threadID)
	if err != nil {
		return false, err
	}

	emoji, ok := chatStatusEmoji[status]
	if !ok {
		return false, fmt.Errorf("no emoji mapping for status %q", status)
	}

	body := map[string]string{"channel": channel, "timestamp": rootTs, "name": emoji}
	var result chatAPIResponse
	httpStatus, err := a.postJSON(ctx, a.httpClient(ctx, cfg), cfg, "reactions.add", body, &result)
	if err != nil {
		return false, nil
	}
	if !result.OK {
		if result.Error == "already_reacted" {
			return true, nil
		}
		if chatTransient(httpStatus, result.Error) {
			return false, nil
		}
		return false, fmt.Errorf("reactions.add: %s", result.Error)
	}
	return true, nil
}

func (a *ChatAdapter) ValidateConfig(cfg SourceConfig) ValidationResult {
	var errs []string
	if cfg.Token == "" {
		errs = append(errs, "token is required")
	}
	if cfg.BaseURL != "" && !strings.HasPrefix(cfg.BaseURL, "http") {
		errs = append(errs, "baseUrl must be an http(s) URL")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (a *ChatAdapter) TestConnection(ctx context.Context, cfg SourceConfig) (bool, error) {
	var result chatAPIResponse
	_, err := a.postJSON(ctx, a.httpClient(ctx, cfg), cfg, "auth.test", map[string]string{}, &result)
	if err != nil {
		return false, err
	}
	if !result.OK {
		return false, fmt.Errorf("auth.test: %s", result.Error)
	}
	return true, nil
}

// httpClient builds a token-bearing client per call; tokens live in the
// per-flow SourceConfig, never in adapter state.
func (a *ChatAdapter) httpClient(ctx context.Context, cfg SourceConfig) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = 30 * time.Second
	return client
}

func (a *ChatAdapter) baseURL(cfg SourceConfig) string {
	if cfg.BaseURL != "" {
		return strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return defaultChatBaseURL
}

func (a *ChatAdapter) getJSON(ctx context.Context, client *http.Client, cfg SourceConfig, method string, query url.Values, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL(cfg)+"/"+method+"?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	return a.do(client, req, out)
}

func (a *ChatAdapter) postJSON(ctx context.Context, client *http.Client, cfg SourceConfig, method string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL(cfg)+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return a.do(client, req, out)
}

func (a *ChatAdapter) do(client *http.Client, req *http.Request, out any) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.StatusCode, nil
}

func parseChatThreadID(threadID string) (channel, rootTs string, err error) {
	parts := strings.SplitN(threadID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed chat thread id %q", threadID)
	}
	return parts[0], parts[1], nil
}

func chatTransient(httpStatus int, apiError string) bool {
	if httpStatus == http.StatusTooManyRequests || httpStatus >= 500 {
		return true
	}
	return apiError == "ratelimited" || apiError == "service_unavailable"
}

func chatTitle(text string) string {
	title := text
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

func chatThreadMessage(m chatMessage) domain.ThreadMessage {
	return domain.ThreadMessage{
		ID:        m.Ts,
		Author:    m.User,
		Body:      m.Text,
		CreatedAt: chatTimestamp(m.Ts),
	}
}

func chatTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	secs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
