package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"tasklens.dev/processor/common/id"
	"tasklens.dev/processor/common/logger"
	"tasklens.dev/processor/core/config"
	"tasklens.dev/processor/internal/adapter"
	"tasklens.dev/processor/internal/analysis"
	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/model"
	"tasklens.dev/processor/internal/notify"
	"tasklens.dev/processor/internal/output"
	"tasklens.dev/processor/internal/router"
	"tasklens.dev/processor/internal/store"
)

// Analyzer is the analysis capability the orchestrator depends on.
// *analysis.Engine satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, text string, opts analysis.Options) (*domain.AIAnalysisResult, error)
}

// ProcessOptions tunes one direct processing call.
type ProcessOptions struct {
	// Thread supplies pre-fetched thread context, skipping the adapter fetch.
	Thread *domain.DiscussionThread
	// Config overrides the source config bound to the flow input.
	Config *adapter.SourceConfig
	// SkipAI replaces analysis with a single-task fallback.
	SkipAI bool
	// SkipOutputs skips task creation in destinations.
	SkipOutputs bool
}

// ProcessResult is what one pipeline run produced.
type ProcessResult struct {
	Discussion *model.Discussion
	Analysis   *domain.AIAnalysisResult
	Created    []model.OutputRef
	Dropped    int
	TotalTime  time.Duration
}

// ProcessorService runs the discussion pipeline end to end. All stages for
// one discussion execute sequentially; concurrency exists only across
// discussions, bounded by the HTTP server.
type ProcessorService interface {
	// ProcessDirect builds a fresh discussion from a caller-supplied parsed
	// payload and runs a full attempt.
	ProcessDirect(ctx context.Context, parsed *domain.ParsedDiscussion, opts ProcessOptions) (*ProcessResult, error)

	// Reprocess re-runs the full pipeline against a stored discussion.
	// Output tasks created by earlier runs are skipped unless force is set.
	Reprocess(ctx context.Context, discussionID int64, force bool) (*ProcessResult, error)

	// RetryFailed re-enters the pipeline for a failed discussion, honoring
	// the attempts ceiling and the exponential backoff window.
	RetryFailed(ctx context.Context, discussionID int64) (*ProcessResult, error)

	// GetDiscussion reads one discussion record.
	GetDiscussion(ctx context.Context, id int64) (*model.Discussion, error)
}

type processorService struct {
	discussions store.DiscussionStore
	flows       store.FlowStore
	adapters    *adapter.Registry
	analyzer    Analyzer
	creators    *output.Registry
	notifier    notify.Notifier
	cfg         config.PipelineConfig
	now         func() time.Time
}

func NewProcessorService(
	discussions store.DiscussionStore,
	flows store.FlowStore,
	adapters *adapter.Registry,
	analyzer Analyzer,
	creators *output.Registry,
	notifier notify.Notifier,
	cfg config.PipelineConfig,
) ProcessorService {
	return &processorService{
		discussions: discussions,
		flows:       flows,
		adapters:    adapters,
		analyzer:    analyzer,
		creators:    creators,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
	}
}

func (s *processorService) ProcessDirect(ctx context.Context, parsed *domain.ParsedDiscussion, opts ProcessOptions) (*ProcessResult, error) {
	start := s.now()

	if missing := missingParsedFields(parsed); len(missing) > 0 {
		return nil, domain.NewValidationError(missing...)
	}

	flow, input, err := s.resolveFlow(ctx, parsed.SourceType, parsed.TeamID)
	if err != nil {
		return nil, err
	}

	d := &model.Discussion{
		ID:             id.New(),
		FlowID:         flow.ID,
		SourceType:     parsed.SourceType,
		SourceThreadID: parsed.SourceThreadID,
		SourceURL:      parsed.SourceURL,
		TeamID:         parsed.TeamID,
		AuthorHandle:   parsed.AuthorHandle,
		Title:          parsed.Title,
		Content:        parsed.Content,
		Participants:   parsed.Participants,
		Metadata:       parsed.Metadata,
		Status:         model.DiscussionStatusPending,
		Attempts:       0,
	}
	if err := s.discussions.Create(ctx, d); err != nil {
		return nil, domain.NewProcessingError(domain.StagePersist, true,
			fmt.Errorf("create discussion: %w", err))
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DiscussionID: logger.Ptr(d.ID),
		FlowID:       logger.Ptr(flow.ID),
		SourceType:   logger.Ptr(d.SourceType),
	})

	if err := s.beginAttempt(ctx, d, model.DiscussionStatusPending); err != nil {
		return nil, err
	}

	result, err := s.runPipeline(ctx, d, flow, input, runOptions{
		thread:      opts.Thread,
		config:      opts.Config,
		skipAI:      opts.SkipAI,
		skipOutputs: opts.SkipOutputs,
	})
	if err != nil {
		return nil, err
	}
	result.TotalTime = s.now().Sub(start)
	return result, nil
}

func (s *processorService) Reprocess(ctx context.Context, discussionID int64, force bool) (*ProcessResult, error) {
	start := s.now()

	d, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	if d.Status == model.DiscussionStatusProcessing {
		return nil, domain.NewProcessingError(domain.StagePersist, false,
			fmt.Errorf("discussion %d is already processing", discussionID))
	}

	flow, input, err := s.resolveFlow(ctx, d.SourceType, d.TeamID)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DiscussionID: logger.Ptr(d.ID),
		FlowID:       logger.Ptr(flow.ID),
		SourceType:   logger.Ptr(d.SourceType),
	})

	// Reprocess restarts the machine from whatever state the record is in.
	// The conditional update still guarantees at most one in-flight attempt.
	if err := s.beginAttempt(ctx, d, d.Status); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "reprocessing discussion", "force", force)

	result, err := s.runPipeline(ctx, d, flow, input, runOptions{
		force:     force,
		skipCache: force,
	})
	if err != nil {
		return nil, err
	}
	result.TotalTime = s.now().Sub(start)
	return result, nil
}

func (s *processorService) RetryFailed(ctx context.Context, discussionID int64) (*ProcessResult, error) {
	start := s.now()

	d, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DiscussionStatusFailed {
		return nil, domain.NewProcessingError(domain.StagePersist, false,
			fmt.Errorf("discussion %d is %s, only failed discussions can be retried", discussionID, d.Status))
	}
	if d.Attempts >= s.cfg.MaxAttempts {
		return nil, domain.NewProcessingError(domain.StagePersist, false,
			fmt.Errorf("discussion %d exhausted %d attempts", discussionID, d.Attempts))
	}

	delay := s.backoffDelay(d.Attempts)
	if elapsed := s.now().Sub(d.UpdatedAt); elapsed < delay {
		return nil, domain.NewProcessingError(domain.StagePersist, false,
			fmt.Errorf("retry not yet allowed, next attempt in %s", (delay - elapsed).Round(time.Second)))
	}

	flow, input, err := s.resolveFlow(ctx, d.SourceType, d.TeamID)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DiscussionID: logger.Ptr(d.ID),
		FlowID:       logger.Ptr(flow.ID),
		SourceType:   logger.Ptr(d.SourceType),
	})

	if err := s.discussions.TransitionStatus(ctx, d.ID, model.DiscussionStatusFailed, model.DiscussionStatusRetrying); err != nil {
		return nil, transitionError(err)
	}
	d.Status = model.DiscussionStatusRetrying

	if err := s.beginAttempt(ctx, d, model.DiscussionStatusRetrying); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "retrying failed discussion", "attempt", d.Attempts)

	result, err := s.runPipeline(ctx, d, flow, input, runOptions{})
	if err != nil {
		return nil, err
	}
	result.TotalTime = s.now().Sub(start)
	return result, nil
}

func (s *processorService) GetDiscussion(ctx context.Context, id int64) (*model.Discussion, error) {
	return s.loadDiscussion(ctx, id)
}

// runOptions is the internal union of what the three entry points tune.
type runOptions struct {
	thread      *domain.DiscussionThread
	config      *adapter.SourceConfig
	skipAI      bool
	skipOutputs bool
	skipCache   bool
	force       bool
}

// runPipeline executes thread → analysis → routing → output → notify for a
// discussion already in processing status. On any stage error the record is
// moved to failed with the stage and error captured, then the error is
// returned to the caller.
func (s *processorService) runPipeline(ctx context.Context, d *model.Discussion, flow *model.Flow, input *model.FlowInput, opts runOptions) (*ProcessResult, error) {
	pipelineStart := s.now()

	cfg, err := s.sourceConfig(input, opts.config)
	if err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusProcessing, err)
	}

	text, err := s.buildAnalysisText(ctx, d, cfg, opts.thread)
	if err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusProcessing, err)
	}

	result, err := s.analyze(ctx, d, flow, text, opts)
	if err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusProcessing, err)
	}

	if err := s.discussions.TransitionStatus(ctx, d.ID, model.DiscussionStatusProcessing, model.DiscussionStatusAnalyzed); err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusProcessing, transitionError(err))
	}
	d.Status = model.DiscussionStatusAnalyzed
	d.Analysis = result
	if err := s.discussions.Update(ctx, d); err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusAnalyzed,
			domain.NewProcessingError(domain.StagePersist, true, fmt.Errorf("persist analysis: %w", err)))
	}

	outputs, err := s.flows.ListOutputs(ctx, flow.ID)
	if err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusAnalyzed,
			domain.NewProcessingError(domain.StageRouting, true, fmt.Errorf("list flow outputs: %w", err)))
	}

	routing := router.Route(ctx, result.TaskDetection.Tasks, outputs)

	var created []model.OutputRef
	if !opts.skipOutputs {
		created, err = s.createTasks(ctx, d, routing.Routed, opts.force)
		if err != nil {
			return nil, s.failDiscussion(ctx, d, model.DiscussionStatusAnalyzed, err)
		}
	}

	if err := s.discussions.TransitionStatus(ctx, d.ID, model.DiscussionStatusAnalyzed, model.DiscussionStatusCompleted); err != nil {
		return nil, s.failDiscussion(ctx, d, model.DiscussionStatusAnalyzed, transitionError(err))
	}
	d.Status = model.DiscussionStatusCompleted
	now := s.now().UTC()
	d.CompletedAt = &now
	d.Stage = nil
	d.Error = nil
	d.ErrorStack = nil
	d.ProcessingMS = s.now().Sub(pipelineStart).Milliseconds()

	s.sendNotification(ctx, d, cfg, result, created)

	if err := s.discussions.Update(ctx, d); err != nil {
		// The pipeline effect already happened; a bookkeeping write failure
		// must not undo a completed run.
		slog.ErrorContext(ctx, "failed to persist completed discussion", "error", err)
	}

	return &ProcessResult{
		Discussion: d,
		Analysis:   result,
		Created:    created,
		Dropped:    len(routing.Dropped),
	}, nil
}

// beginAttempt moves the discussion into processing via a conditional
// update, guaranteeing at most one in-flight attempt per discussion id,
// and increments the attempt counter.
func (s *processorService) beginAttempt(ctx context.Context, d *model.Discussion, from model.DiscussionStatus) error {
	if err := s.discussions.TransitionStatus(ctx, d.ID, from, model.DiscussionStatusProcessing); err != nil {
		return transitionError(err)
	}
	d.Status = model.DiscussionStatusProcessing
	d.Attempts++
	if err := s.discussions.Update(ctx, d); err != nil {
		return domain.NewProcessingError(domain.StagePersist, true,
			fmt.Errorf("persist attempt counter: %w", err))
	}
	return nil
}

func (s *processorService) loadDiscussion(ctx context.Context, discussionID int64) (*model.Discussion, error) {
	d, err := s.discussions.GetByID(ctx, discussionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("discussion %d not found", discussionID)}
		}
		return nil, domain.NewProcessingError(domain.StagePersist, true,
			fmt.Errorf("load discussion: %w", err))
	}
	return d, nil
}

func (s *processorService) resolveFlow(ctx context.Context, sourceType, teamID string) (*model.Flow, *model.FlowInput, error) {
	flow, input, err := s.flows.GetActiveByInput(ctx, sourceType, teamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, domain.NewProcessingError(domain.StageFlow, false,
				fmt.Errorf("no active flow for source %q team %q", sourceType, teamID))
		}
		return nil, nil, domain.NewProcessingError(domain.StageFlow, true,
			fmt.Errorf("resolve flow: %w", err))
	}
	return flow, input, nil
}

// sourceConfig picks the per-call adapter config: the caller override when
// supplied, otherwise the flow input's stored binding.
func (s *processorService) sourceConfig(input *model.FlowInput, override *adapter.SourceConfig) (adapter.SourceConfig, error) {
	if override != nil {
		return *override, nil
	}
	var cfg adapter.SourceConfig
	if len(input.Config) > 0 {
		if err := json.Unmarshal(input.Config, &cfg); err != nil {
			return adapter.SourceConfig{}, domain.NewProcessingError(domain.StageFlow, false,
				fmt.Errorf("unmarshal flow input config: %w", err))
		}
	}
	return cfg, nil
}

// buildAnalysisText assembles the text the analysis engine sees: the
// discussion content plus, when thread context is available, the ordered
// replies. Thread fetch is attempted only when credentials exist.
func (s *processorService) buildAnalysisText(ctx context.Context, d *model.Discussion, cfg adapter.SourceConfig, thread *domain.DiscussionThread) (string, error) {
	if thread == nil && cfg.Token != "" {
		a, err := s.adapters.Get(d.SourceType)
		if err != nil {
			return "", domain.NewProcessingError(domain.StageThread, false, err)
		}
		thread, err = a.FetchThread(ctx, d.SourceThreadID, cfg)
		if err != nil {
			retryable := false
			if ae, ok := adapter.AsAdapterError(err); ok {
				retryable = ae.Retryable
			}
			return "", domain.NewProcessingError(domain.StageThread, retryable,
				fmt.Errorf("fetch thread: %w", err))
		}
	}

	if thread == nil {
		return d.Content, nil
	}

	var b strings.Builder
	b.WriteString(thread.Root.Body)
	for _, reply := range thread.Replies {
		b.WriteString("\n\n")
		b.WriteString(reply.Author)
		b.WriteString(": ")
		b.WriteString(reply.Body)
	}
	if len(thread.Participants) > 0 && d.Participants == nil {
		d.Participants = thread.Participants
	}
	return b.String(), nil
}

func (s *processorService) analyze(ctx context.Context, d *model.Discussion, flow *model.Flow, text string, opts runOptions) (*domain.AIAnalysisResult, error) {
	if opts.skipAI || !flow.AIEnabled {
		slog.InfoContext(ctx, "skipping analysis, using fallback task",
			"aiEnabled", flow.AIEnabled)
		return analysis.FallbackResult(d.Title, d.Content), nil
	}

	analysisOpts := analysis.Options{
		SkipCache:        opts.skipCache,
		SourceType:       d.SourceType,
		MaxTasks:         s.cfg.MaxTasks,
		AvailableDomains: flow.AvailableDomains,
	}
	if flow.SummaryPrompt != nil {
		analysisOpts.CustomSummaryPrompt = *flow.SummaryPrompt
	}
	if flow.TaskPrompt != nil {
		analysisOpts.CustomTaskPrompt = *flow.TaskPrompt
	}

	return s.analyzer.Analyze(ctx, text, analysisOpts)
}

// createTasks runs the fan-out. Refs already persisted for an (output,
// taskIndex) pair are reused rather than recreated, unless force is set.
// Each successful creation is persisted immediately so a later failure in
// the same fan-out resumes without duplicating tasks.
func (s *processorService) createTasks(ctx context.Context, d *model.Discussion, routed []router.RoutedTask, force bool) ([]model.OutputRef, error) {
	var created []model.OutputRef
	for _, rt := range routed {
		if !force && d.HasOutputRef(rt.Output.ID, rt.TaskIndex) {
			slog.InfoContext(ctx, "skipping already-created task",
				"outputId", rt.Output.ID, "taskIndex", rt.TaskIndex)
			for _, ref := range d.OutputRefs {
				if ref.OutputID == rt.Output.ID && ref.TaskIndex == rt.TaskIndex {
					created = append(created, ref)
				}
			}
			continue
		}

		creator, err := s.creators.Get(rt.Output.OutputType)
		if err != nil {
			return created, domain.NewProcessingError(domain.StageOutput, false, err).
				WithContext("outputType", rt.Output.OutputType).
				WithContext("taskIndex", rt.TaskIndex)
		}

		ref, err := creator.CreateTask(ctx, rt.Task, rt.Output.Config)
		if err != nil {
			if pe, ok := domain.AsProcessingError(err); ok {
				return created, pe.WithContext("taskIndex", rt.TaskIndex)
			}
			return created, domain.NewProcessingError(domain.StageOutput, true, err).
				WithContext("outputType", rt.Output.OutputType).
				WithContext("taskIndex", rt.TaskIndex)
		}

		outputRef := model.OutputRef{
			OutputID:   rt.Output.ID,
			OutputType: rt.Output.OutputType,
			TaskIndex:  rt.TaskIndex,
			Ref:        *ref,
		}
		d.OutputRefs = append(d.OutputRefs, outputRef)
		created = append(created, outputRef)

		if err := s.discussions.Update(ctx, d); err != nil {
			return created, domain.NewProcessingError(domain.StagePersist, true,
				fmt.Errorf("persist output ref: %w", err))
		}

		slog.InfoContext(ctx, "created task in destination",
			"outputType", rt.Output.OutputType, "taskIndex", rt.TaskIndex, "ref", ref.ID)
	}
	return created, nil
}

// sendNotification is best-effort: failures are recorded on the discussion
// but never affect its completed status.
func (s *processorService) sendNotification(ctx context.Context, d *model.Discussion, cfg adapter.SourceConfig, result *domain.AIAnalysisResult, created []model.OutputRef) {
	if cfg.Token == "" {
		return
	}

	parsed := &domain.ParsedDiscussion{
		SourceType:     d.SourceType,
		SourceThreadID: d.SourceThreadID,
		SourceURL:      d.SourceURL,
		TeamID:         d.TeamID,
	}

	tasks := result.TaskDetection.Tasks
	notifyTasks := make([]notify.CreatedTask, 0, len(created))
	for _, ref := range created {
		if ref.TaskIndex >= 0 && ref.TaskIndex < len(tasks) {
			notifyTasks = append(notifyTasks, notify.CreatedTask{
				Task: tasks[ref.TaskIndex],
				Ref:  &ref.Ref,
			})
		}
	}

	if err := s.notifier.NotifyCompletion(ctx, parsed, cfg, result, notifyTasks); err != nil {
		msg := err.Error()
		d.NotifyError = &msg
		slog.WarnContext(ctx, "notification failed", "error", logger.Truncate(msg, 300))
	}
}

// failDiscussion records a stage failure and moves the record to failed.
// It always returns the original error (wrapped stage error) so callers
// surface the root cause, not the bookkeeping outcome.
func (s *processorService) failDiscussion(ctx context.Context, d *model.Discussion, from model.DiscussionStatus, cause error) error {
	stage := string(domain.StagePersist)
	retryable := false
	if pe, ok := domain.AsProcessingError(cause); ok {
		stage = string(pe.Stage)
		retryable = pe.Retryable
	}

	slog.ErrorContext(ctx, "pipeline stage failed",
		"stage", stage, "retryable", retryable,
		"error", logger.Truncate(cause.Error(), 500))

	if err := s.discussions.TransitionStatus(ctx, d.ID, from, model.DiscussionStatusFailed); err != nil {
		slog.ErrorContext(ctx, "failed to mark discussion failed", "error", err)
		return cause
	}

	d.Status = model.DiscussionStatusFailed
	d.Stage = &stage
	msg := cause.Error()
	d.Error = &msg
	stack := fmt.Sprintf("%+v", cause)
	d.ErrorStack = &stack
	if err := s.discussions.Update(ctx, d); err != nil {
		slog.ErrorContext(ctx, "failed to persist failure details", "error", err)
	}

	return cause
}

func (s *processorService) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(s.cfg.InitialDelay) * math.Pow(s.cfg.BackoffMultiplier, float64(attempts-1)))
	if delay > s.cfg.MaxDelay || delay < 0 {
		delay = s.cfg.MaxDelay
	}
	return delay
}

func transitionError(err error) error {
	if errors.Is(err, store.ErrStaleStatus) {
		return domain.NewProcessingError(domain.StagePersist, false,
			fmt.Errorf("concurrent attempt detected: %w", err))
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewProcessingError(domain.StagePersist, false, err)
	}
	return domain.NewProcessingError(domain.StagePersist, true, err)
}

func missingParsedFields(parsed *domain.ParsedDiscussion) []string {
	if parsed == nil {
		return []string{"parsed"}
	}
	var missing []string
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	check("sourceType", parsed.SourceType)
	check("sourceThreadId", parsed.SourceThreadID)
	check("sourceUrl", parsed.SourceURL)
	check("teamId", parsed.TeamID)
	check("authorHandle", parsed.AuthorHandle)
	check("title", parsed.Title)
	check("content", parsed.Content)
	return missing
}
