package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tasklens.dev/processor/common/logger"
	"tasklens.dev/processor/internal/adapter"
	"tasklens.dev/processor/internal/domain"
)

// CreatedTask pairs a detected task with the reference produced for it. Tasks
// that were detected but not created (dropped by routing or skipped) carry a
// nil Ref.
type CreatedTask struct {
	Task domain.DetectedTask
	Ref  *domain.TaskRef
}

// Notifier posts a confirmation back to the source thread after processing.
// All failures are reported to the caller but never abort the pipeline.
type Notifier interface {
	NotifyCompletion(ctx context.Context, parsed *domain.ParsedDiscussion, cfg adapter.SourceConfig, analysis *domain.AIAnalysisResult, created []CreatedTask) error
}

type notifier struct {
	adapters *adapter.Registry
}

func NewNotifier(adapters *adapter.Registry) Notifier {
	return &notifier{adapters: adapters}
}

func (n *notifier) NotifyCompletion(ctx context.Context, parsed *domain.ParsedDiscussion, cfg adapter.SourceConfig, analysis *domain.AIAnalysisResult, created []CreatedTask) error {
	a, err := n.adapters.Get(parsed.SourceType)
	if err != nil {
		return domain.NewProcessingError(domain.StageNotify, false, err)
	}

	message := buildMessage(analysis, created)
	posted, err := a.PostReply(ctx, parsed.SourceThreadID, message, cfg)
	if err != nil {
		return domain.NewProcessingError(domain.StageNotify, true,
			fmt.Errorf("post reply: %w", err))
	}
	if !posted {
		slog.WarnContext(ctx, "source does not support replies, skipping confirmation",
			"sourceType", parsed.SourceType)
	}

	if _, err := a.UpdateStatus(ctx, parsed.SourceThreadID, adapter.StatusCompleted, cfg); err != nil {
		// Status markers are decorative. Log and move on.
		slog.WarnContext(ctx, "failed to update source status",
			"error", logger.Truncate(err.Error(), 200))
	}
	return nil
}

func buildMessage(analysis *domain.AIAnalysisResult, created []CreatedTask) string {
	var refs []CreatedTask
	for _, ct := range created {
		if ct.Ref != nil {
			refs = append(refs, ct)
		}
	}

	var b strings.Builder
	switch len(refs) {
	case 0:
		b.WriteString("Discussion processed.")
	case 1:
		b.WriteString("Created 1 task from this discussion:\n")
		writeTaskLine(&b, refs[0])
	default:
		fmt.Fprintf(&b, "Created %d tasks from this discussion:\n", len(refs))
		for _, ct := range refs {
			writeTaskLine(&b, ct)
		}
	}

	if analysis != nil && analysis.Summary != "" {
		b.WriteString("\nSummary: ")
		b.WriteString(logger.Truncate(analysis.Summary, 500))
	}
	return b.String()
}

func writeTaskLine(b *strings.Builder, ct CreatedTask) {
	if ct.Ref.URL != "" {
		fmt.Fprintf(b, "- %s: %s\n", ct.Task.Title, ct.Ref.URL)
		return
	}
	fmt.Fprintf(b, "- %s (%s)\n", ct.Task.Title, ct.Ref.ID)
}
