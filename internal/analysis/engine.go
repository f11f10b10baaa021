// Package analysis turns raw discussion text into a summary and a set of
// detected action items, with a fingerprint-keyed cache in front of the
// model calls.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tasklens.dev/processor/common/llm"
	"tasklens.dev/processor/internal/domain"
)

const defaultMaxTasks = 10

// Options tunes one analysis call.
type Options struct {
	SkipCache           bool
	CustomSummaryPrompt string
	CustomTaskPrompt    string
	SourceType          string
	MaxTasks            int
	AvailableDomains    []string
}

// Engine is the AI analysis stage: summarize + detect tasks, cached.
type Engine struct {
	llm   llm.Client
	cache Cache
	ttl   time.Duration
}

func NewEngine(client llm.Client, cache Cache, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Engine{llm: client, cache: cache, ttl: ttl}
}

type summaryResponse struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"keyPoints"`
}

type taskDetectionResponse struct {
	IsMultiTask bool                 `json:"isMultiTask"`
	Tasks       []domain.DetectedTask `json:"tasks"`
}

// Analyze produces the analysis result for text. Identical (text, options)
// pairs hit the cache unless SkipCache is set; a hit returns immediately
// with Cached=true and near-zero processing time.
func (e *Engine) Analyze(ctx context.Context, text string, opts Options) (*domain.AIAnalysisResult, error) {
	key := CacheKey(text, opts)

	if !opts.SkipCache {
		cached, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			// A broken cache degrades to a miss; the model call still works.
			slog.WarnContext(ctx, "analysis cache read failed", "error", err)
		} else if ok {
			cached.Cached = true
			cached.ProcessingTime = 0
			return cached, nil
		}
	}

	start := time.Now()

	summary, err := e.summarize(ctx, text, opts)
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageAnalysis, llm.IsRetryable(ctx, err), err).
			WithContext("call", "summarize")
	}

	detection, err := e.detectTasks(ctx, text, opts)
	if err != nil {
		return nil, domain.NewProcessingError(domain.StageAnalysis, llm.IsRetryable(ctx, err), err).
			WithContext("call", "detect_tasks")
	}

	result := &domain.AIAnalysisResult{
		Summary:        summary.Summary,
		KeyPoints:      summary.KeyPoints,
		TaskDetection:  *detection,
		ProcessingTime: time.Since(start),
		Cached:         false,
	}

	if err := e.cache.Set(ctx, key, result, e.ttl); err != nil {
		slog.WarnContext(ctx, "analysis cache write failed", "error", err)
	}

	return result, nil
}

func (e *Engine) summarize(ctx context.Context, text string, opts Options) (*summaryResponse, error) {
	prompt := opts.CustomSummaryPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}

	var resp summaryResponse
	_, err := e.llm.Chat(ctx, llm.Request{
		SystemPrompt: prompt,
		UserPrompt:   userPrompt(text, opts.SourceType),
		SchemaName:   "discussion_summary",
		Schema:       llm.GenerateSchema[summaryResponse](),
		MaxTokens:    1024,
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	return &resp, nil
}

func (e *Engine) detectTasks(ctx context.Context, text string, opts Options) (*domain.TaskDetection, error) {
	maxTasks := opts.MaxTasks
	if maxTasks <= 0 {
		maxTasks = defaultMaxTasks
	}

	prompt := opts.CustomTaskPrompt
	if prompt == "" {
		prompt = taskDetectionPrompt(opts.AvailableDomains, maxTasks)
	}

	var resp taskDetectionResponse
	_, err := e.llm.Chat(ctx, llm.Request{
		SystemPrompt: prompt,
		UserPrompt:   userPrompt(text, opts.SourceType),
		SchemaName:   "task_detection",
		Schema:       llm.GenerateSchema[taskDetectionResponse](),
		MaxTokens:    2048,
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("detect tasks: %w", err)
	}

	if len(resp.Tasks) > maxTasks {
		resp.Tasks = resp.Tasks[:maxTasks]
	}

	sanitizeDomains(ctx, resp.Tasks, opts.AvailableDomains)

	return &domain.TaskDetection{
		IsMultiTask: resp.IsMultiTask && len(resp.Tasks) > 1,
		Tasks:       resp.Tasks,
	}, nil
}

// sanitizeDomains nulls out any task domain that is not in the flow's
// closed vocabulary. An out-of-vocabulary label is a data-quality defect,
// not something to propagate into routing.
func sanitizeDomains(ctx context.Context, tasks []domain.DetectedTask, vocabulary []string) {
	allowed := make(map[string]bool, len(vocabulary))
	for _, d := range vocabulary {
		allowed[d] = true
	}

	for i := range tasks {
		if tasks[i].Domain == nil {
			continue
		}
		if !allowed[*tasks[i].Domain] {
			slog.WarnContext(ctx, "task domain outside vocabulary, dropping label",
				"domain", *tasks[i].Domain, "task", tasks[i].Title)
			tasks[i].Domain = nil
		}
	}
}

// FallbackResult builds a single-task result without calling the model,
// used when AI analysis is disabled or skipped for a discussion.
func FallbackResult(title, content string) *domain.AIAnalysisResult {
	taskTitle := strings.TrimSpace(title)
	if taskTitle == "" {
		taskTitle = firstLine(content)
	}

	return &domain.AIAnalysisResult{
		Summary: firstLine(content),
		TaskDetection: domain.TaskDetection{
			IsMultiTask: false,
			Tasks: []domain.DetectedTask{{
				Title:       taskTitle,
				Description: content,
			}},
		},
	}
}

// CacheKey fingerprints (normalized text, prompt overrides, domain
// vocabulary). Domains are sorted so set equality means key equality.
func CacheKey(text string, opts Options) string {
	domains := append([]string(nil), opts.AvailableDomains...)
	sort.Strings(domains)

	body := struct {
		Text          string   `json:"text"`
		SummaryPrompt string   `json:"summaryPrompt,omitempty"`
		TaskPrompt    string   `json:"taskPrompt,omitempty"`
		Domains       []string `json:"domains,omitempty"`
	}{
		Text:          normalizeText(text),
		SummaryPrompt: opts.CustomSummaryPrompt,
		TaskPrompt:    opts.CustomTaskPrompt,
		Domains:       domains,
	}

	data, _ := json.Marshal(body)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func firstLine(s string) string {
	line := s
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
