package handler_test

import (
	"context"

	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/model"
	"tasklens.dev/processor/internal/service"
)

type mockProcessorService struct {
	processDirectFn func(ctx context.Context, parsed *domain.ParsedDiscussion, opts service.ProcessOptions) (*service.ProcessResult, error)
	reprocessFn     func(ctx context.Context, discussionID int64, force bool) (*service.ProcessResult, error)
	retryFailedFn   func(ctx context.Context, discussionID int64) (*service.ProcessResult, error)
	getDiscussionFn func(ctx context.Context, id int64) (*model.Discussion, error)
}

func (m *mockProcessorService) ProcessDirect(ctx context.Context, parsed *domain.ParsedDiscussion, opts service.ProcessOptions) (*service.ProcessResult, error) {
	if m.processDirectFn != nil {
		return m.processDirectFn(ctx, parsed, opts)
	}
	return nil, nil
}

func (m *mockProcessorService) Reprocess(ctx context.Context, discussionID int64, force bool) (*service.ProcessResult, error) {
	if m.reprocessFn != nil {
		return m.reprocessFn(ctx, discussionID, force)
	}
	return nil, nil
}

func (m *mockProcessorService) RetryFailed(ctx context.Context, discussionID int64) (*service.ProcessResult, error) {
	if m.retryFailedFn != nil {
		return m.retryFailedFn(ctx, discussionID)
	}
	return nil, nil
}

func (m *mockProcessorService) GetDiscussion(ctx context.Context, id int64) (*model.Discussion, error) {
	if m.getDiscussionFn != nil {
		return m.getDiscussionFn(ctx, id)
	}
	return nil, nil
}
