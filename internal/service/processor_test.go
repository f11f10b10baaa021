package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"tasklens.dev/processor/common/id"
	"tasklens.dev/processor/core/config"
	"tasklens.dev/processor/internal/adapter"
	"tasklens.dev/processor/internal/analysis"
	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/model"
	"tasklens.dev/processor/internal/notify"
	"tasklens.dev/processor/internal/output"
	"tasklens.dev/processor/internal/service"
	"tasklens.dev/processor/internal/store"
)

var _ = Describe("ProcessorService", func() {
	var (
		ctx         context.Context
		discussions *mockDiscussionStore
		flows       *mockFlowStore
		analyzer    *mockAnalyzer
		notifier    *mockNotifier
		creator     *mockCreator
		adapters    *adapter.Registry
		creators    *output.Registry
		pipeline    config.PipelineConfig
		svc         service.ProcessorService

		flow  *model.Flow
		input *model.FlowInput
	)

	parsed := func() *domain.ParsedDiscussion {
		return &domain.ParsedDiscussion{
			SourceType:     "mock",
			SourceThreadID: "42/7/abc",
			SourceURL:      "https://example.test/thread/42",
			TeamID:         "team-1",
			AuthorHandle:   "reviewer",
			Title:          "Login breaks on mobile",
			Content:        "The login form times out on mobile. We should also add a retry button.",
		}
	}

	newService := func() service.ProcessorService {
		return service.NewProcessorService(discussions, flows, adapters, analyzer, creators, notifier, pipeline)
	}

	BeforeEach(func() {
		ctx = context.Background()
		Expect(id.Init(1)).To(Succeed())

		discussions = &mockDiscussionStore{}
		flows = &mockFlowStore{}
		analyzer = &mockAnalyzer{}
		notifier = &mockNotifier{}
		creator = &mockCreator{outputType: "mock"}
		adapters = adapter.NewRegistry(&mockAdapter{sourceType: "mock"})
		creators = output.NewRegistry(creator)
		pipeline = config.PipelineConfig{
			MaxAttempts:       3,
			InitialDelay:      30 * time.Second,
			BackoffMultiplier: 2,
			MaxDelay:          30 * time.Minute,
			MaxTasks:          10,
		}

		flow = &model.Flow{
			ID:               7,
			Name:             "triage",
			AIEnabled:        true,
			AvailableDomains: []string{"backend", "frontend"},
			Active:           true,
		}
		input = &model.FlowInput{
			ID:         70,
			FlowID:     7,
			SourceType: "mock",
			TeamID:     "team-1",
			Config:     json.RawMessage(`{"token":"tok"}`),
		}

		flows.getActiveByInputFn = func(_ context.Context, sourceType, teamID string) (*model.Flow, *model.FlowInput, error) {
			Expect(sourceType).To(Equal("mock"))
			Expect(teamID).To(Equal("team-1"))
			return flow, input, nil
		}
		flows.listOutputsFn = func(_ context.Context, flowID int64) ([]model.FlowOutput, error) {
			return []model.FlowOutput{{ID: 1, FlowID: 7, OutputType: "mock", IsDefault: true}}, nil
		}

		svc = nil
	})

	Describe("ProcessDirect", func() {
		It("runs the full pipeline and completes the discussion", func() {
			var created *model.Discussion
			discussions.createFn = func(_ context.Context, d *model.Discussion) error {
				created = d
				return nil
			}

			svc = newService()
			result, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{})

			Expect(err).NotTo(HaveOccurred())
			Expect(created).NotTo(BeNil())
			Expect(created.ID).NotTo(BeZero())
			Expect(result.Discussion.Status).To(Equal(model.DiscussionStatusCompleted))
			Expect(result.Discussion.Attempts).To(Equal(1))
			Expect(result.Discussion.CompletedAt).NotTo(BeNil())
			Expect(result.Created).To(HaveLen(1))
			Expect(result.Created[0].Ref.ID).To(Equal("ref-1"))
			Expect(creator.calls).To(Equal(1))
			Expect(notifier.calls).To(Equal(1))

			Expect(discussions.transitions).To(Equal([][2]model.DiscussionStatus{
				{model.DiscussionStatusPending, model.DiscussionStatusProcessing},
				{model.DiscussionStatusProcessing, model.DiscussionStatusAnalyzed},
				{model.DiscussionStatusAnalyzed, model.DiscussionStatusCompleted},
			}))
		})

		It("rejects a payload with missing fields, listing all of them", func() {
			p := parsed()
			p.TeamID = ""
			p.Content = ""

			svc = newService()
			_, err := svc.ProcessDirect(ctx, p, service.ProcessOptions{})

			var ve *domain.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
			Expect(ve.Missing).To(ConsistOf("teamId", "content"))
		})

		It("fails non-retryably when no active flow matches", func() {
			flows.getActiveByInputFn = func(_ context.Context, _, _ string) (*model.Flow, *model.FlowInput, error) {
				return nil, nil, store.ErrNotFound
			}

			svc = newService()
			_, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{})

			pe, ok := domain.AsProcessingError(err)
			Expect(ok).To(BeTrue())
			Expect(pe.Stage).To(Equal(domain.StageFlow))
			Expect(pe.Retryable).To(BeFalse())
		})

		It("uses the fallback analysis when skipAI is set", func() {
			svc = newService()
			result, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{SkipAI: true})

			Expect(err).NotTo(HaveOccurred())
			Expect(analyzer.calls).To(BeZero())
			Expect(result.Analysis.TaskDetection.Tasks).To(HaveLen(1))
			Expect(result.Analysis.TaskDetection.Tasks[0].Title).To(Equal("Login breaks on mobile"))
		})

		It("skips task creation when SkipOutputs is set but still completes", func() {
			svc = newService()
			result, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{SkipOutputs: true})

			Expect(err).NotTo(HaveOccurred())
			Expect(creator.calls).To(BeZero())
			Expect(result.Created).To(BeEmpty())
			Expect(result.Discussion.Status).To(Equal(model.DiscussionStatusCompleted))
		})

		It("marks the discussion failed when a creator fails", func() {
			creator.createTaskFn = func(_ context.Context, _ domain.DetectedTask, _ json.RawMessage) (*domain.TaskRef, error) {
				return nil, domain.NewProcessingError(domain.StageOutput, true, errors.New("destination down"))
			}

			svc = newService()
			_, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{})

			pe, ok := domain.AsProcessingError(err)
			Expect(ok).To(BeTrue())
			Expect(pe.Stage).To(Equal(domain.StageOutput))
			Expect(pe.Retryable).To(BeTrue())
			Expect(pe.Context).To(HaveKey("taskIndex"))

			last := discussions.transitions[len(discussions.transitions)-1]
			Expect(last).To(Equal([2]model.DiscussionStatus{model.DiscussionStatusAnalyzed, model.DiscussionStatusFailed}))

			final := discussions.updates[len(discussions.updates)-1]
			Expect(final.Status).To(Equal(model.DiscussionStatusFailed))
			Expect(final.Error).NotTo(BeNil())
			Expect(*final.Stage).To(Equal("output"))
		})

		It("still completes when notification fails, recording the notify error", func() {
			notifier.notifyFn = func(_ context.Context, _ *domain.ParsedDiscussion, _ adapter.SourceConfig, _ *domain.AIAnalysisResult, _ []notify.CreatedTask) error {
				return errors.New("reply rejected")
			}

			svc = newService()
			result, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Discussion.Status).To(Equal(model.DiscussionStatusCompleted))
			Expect(result.Discussion.NotifyError).NotTo(BeNil())
			Expect(*result.Discussion.NotifyError).To(ContainSubstring("reply rejected"))
		})

		It("surfaces a lost status race as a non-retryable error", func() {
			discussions.transitionStatusFn = func(_ context.Context, _ int64, from, to model.DiscussionStatus) error {
				if from == model.DiscussionStatusPending {
					return fmt.Errorf("%w: expected pending, found processing", store.ErrStaleStatus)
				}
				return nil
			}

			svc = newService()
			_, err := svc.ProcessDirect(ctx, parsed(), service.ProcessOptions{})

			pe, ok := domain.AsProcessingError(err)
			Expect(ok).To(BeTrue())
			Expect(pe.Retryable).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring("concurrent attempt"))
		})
	})

	Describe("Reprocess", func() {
		var stored *model.Discussion

		BeforeEach(func() {
			stored = &model.Discussion{
				ID:             100,
				FlowID:         7,
				SourceType:     "mock",
				SourceThreadID: "42/7/abc",
				SourceURL:      "https://example.test/thread/42",
				TeamID:         "team-1",
				AuthorHandle:   "reviewer",
				Title:          "Login breaks on mobile",
				Content:        "content",
				Status:         model.DiscussionStatusCompleted,
				Attempts:       1,
				UpdatedAt:      time.Now().Add(-time.Hour),
			}
			discussions.getByIDFn = func(_ context.Context, discussionID int64) (*model.Discussion, error) {
				Expect(discussionID).To(Equal(int64(100)))
				d := *stored
				return &d, nil
			}
		})

		It("refuses a discussion that is already processing", func() {
			stored.Status = model.DiscussionStatusProcessing

			svc = newService()
			_, err := svc.Reprocess(ctx, 100, false)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("already processing"))
			Expect(discussions.transitions).To(BeEmpty())
		})

		It("skips output creations that already have refs", func() {
			analyzer.analyzeFn = func(_ context.Context, _ string, _ analysis.Options) (*domain.AIAnalysisResult, error) {
				return &domain.AIAnalysisResult{
					Summary: "s",
					TaskDetection: domain.TaskDetection{
						IsMultiTask: true,
						Tasks: []domain.DetectedTask{
							{Title: "first"},
							{Title: "second"},
						},
					},
				}, nil
			}
			stored.OutputRefs = []model.OutputRef{
				{OutputID: 1, OutputType: "mock", TaskIndex: 0, Ref: domain.TaskRef{ID: "existing"}},
			}

			svc = newService()
			result, err := svc.Reprocess(ctx, 100, false)

			Expect(err).NotTo(HaveOccurred())
			Expect(creator.calls).To(Equal(1), "only the missing task should be created")
			Expect(result.Created).To(HaveLen(2))
			Expect(result.Created[0].Ref.ID).To(Equal("existing"))
		})

		It("recreates everything when force is set", func() {
			stored.OutputRefs = []model.OutputRef{
				{OutputID: 1, OutputType: "mock", TaskIndex: 0, Ref: domain.TaskRef{ID: "existing"}},
			}

			svc = newService()
			_, err := svc.Reprocess(ctx, 100, true)

			Expect(err).NotTo(HaveOccurred())
			Expect(creator.calls).To(Equal(1))
		})

		It("disallows unknown discussion ids", func() {
			discussions.getByIDFn = func(_ context.Context, _ int64) (*model.Discussion, error) {
				return nil, store.ErrNotFound
			}

			svc = newService()
			_, err := svc.Reprocess(ctx, 999, false)

			var ve *domain.ValidationError
			Expect(errors.As(err, &ve)).To(BeTrue())
		})
	})

	Describe("RetryFailed", func() {
		var stored *model.Discussion

		BeforeEach(func() {
			stored = &model.Discussion{
				ID:             200,
				FlowID:         7,
				SourceType:     "mock",
				SourceThreadID: "42/7/abc",
				SourceURL:      "https://example.test/thread/42",
				TeamID:         "team-1",
				AuthorHandle:   "reviewer",
				Title:          "Broken",
				Content:        "content",
				Status:         model.DiscussionStatusFailed,
				Attempts:       1,
				UpdatedAt:      time.Now().Add(-time.Hour),
			}
			discussions.getByIDFn = func(_ context.Context, _ int64) (*model.Discussion, error) {
				d := *stored
				return &d, nil
			}
		})

		It("walks failed → retrying → processing and completes", func() {
			svc = newService()
			result, err := svc.RetryFailed(ctx, 200)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Discussion.Status).To(Equal(model.DiscussionStatusCompleted))
			Expect(result.Discussion.Attempts).To(Equal(2))

			Expect(discussions.transitions[0]).To(Equal([2]model.DiscussionStatus{
				model.DiscussionStatusFailed, model.DiscussionStatusRetrying,
			}))
			Expect(discussions.transitions[1]).To(Equal([2]model.DiscussionStatus{
				model.DiscussionStatusRetrying, model.DiscussionStatusProcessing,
			}))
		})

		It("rejects discussions that are not failed", func() {
			stored.Status = model.DiscussionStatusCompleted

			svc = newService()
			_, err := svc.RetryFailed(ctx, 200)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("only failed discussions"))
		})

		It("rejects a discussion that exhausted its attempts", func() {
			stored.Attempts = 3

			svc = newService()
			_, err := svc.RetryFailed(ctx, 200)

			pe, ok := domain.AsProcessingError(err)
			Expect(ok).To(BeTrue())
			Expect(pe.Retryable).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring("exhausted"))
		})

		It("enforces the backoff window", func() {
			stored.UpdatedAt = time.Now().Add(-time.Second)

			svc = newService()
			_, err := svc.RetryFailed(ctx, 200)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("retry not yet allowed"))
			Expect(discussions.transitions).To(BeEmpty())
		})

		It("applies exponential backoff to later attempts", func() {
			// attempt 2 → delay 30s * 2^1 = 60s; 45s elapsed is not enough
			stored.Attempts = 2
			stored.UpdatedAt = time.Now().Add(-45 * time.Second)

			svc = newService()
			_, err := svc.RetryFailed(ctx, 200)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("retry not yet allowed"))
		})
	})
})
