package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/http/dto"
	"tasklens.dev/processor/internal/model"
	"tasklens.dev/processor/internal/service"
)

type DiscussionHandler struct {
	processor service.ProcessorService
}

func NewDiscussionHandler(processor service.ProcessorService) *DiscussionHandler {
	return &DiscussionHandler{processor: processor}
}

// Process is the single pipeline entry point. The request type selects
// direct processing, reprocess, or retry.
func (h *DiscussionHandler) Process(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid process request", "error", err)
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: dto.ErrorDetail{Message: err.Error()},
		})
		return
	}

	var result *service.ProcessResult
	var err error

	switch req.Type {
	case dto.ProcessTypeDirect:
		result, err = h.processor.ProcessDirect(ctx, req.Parsed, processOptions(req.Options))
	case dto.ProcessTypeReprocess:
		if req.DiscussionID == 0 {
			writeValidationError(c, domain.NewValidationError("discussionId"))
			return
		}
		result, err = h.processor.Reprocess(ctx, req.DiscussionID, req.Force)
	case dto.ProcessTypeRetry:
		if req.DiscussionID == 0 {
			writeValidationError(c, domain.NewValidationError("discussionId"))
			return
		}
		result, err = h.processor.RetryFailed(ctx, req.DiscussionID)
	default:
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: dto.ErrorDetail{Message: "type must be one of direct, reprocess, retry"},
		})
		return
	}

	if err != nil {
		writeProcessError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ProcessResponse{
		Success: true,
		Data: dto.ProcessResponseData{
			DiscussionID: result.Discussion.ID,
			AIAnalysis:   analysisSummary(result.Analysis),
			NotionTasks:  taskRefs(result.Created),
			ProcessingMS: result.Discussion.ProcessingMS,
			TotalMS:      result.TotalTime.Milliseconds(),
		},
	})
}

// Get reads back one discussion record.
func (h *DiscussionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: dto.ErrorDetail{Message: "id must be an integer"},
		})
		return
	}

	d, err := h.processor.GetDiscussion(ctx, id)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{
				Error: dto.ErrorDetail{Message: ve.Error()},
			})
			return
		}
		slog.ErrorContext(ctx, "failed to load discussion", "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: dto.ErrorDetail{Message: "internal error"},
		})
		return
	}

	c.JSON(http.StatusOK, discussionResponse(d))
}

func processOptions(opts *dto.ProcessRequestOptions) service.ProcessOptions {
	if opts == nil {
		return service.ProcessOptions{}
	}
	return service.ProcessOptions{
		Thread:      opts.Thread,
		Config:      opts.Config,
		SkipAI:      opts.SkipAI,
		SkipOutputs: opts.SkipNotion,
	}
}

// writeProcessError maps the pipeline error taxonomy onto status codes:
// validation → 400, retryable stage failure → 503, non-retryable → 422,
// anything else → 500.
func writeProcessError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeValidationError(c, ve)
		return
	}

	if pe, ok := domain.AsProcessingError(err); ok {
		status := http.StatusUnprocessableEntity
		if pe.Retryable {
			status = http.StatusServiceUnavailable
		}
		slog.WarnContext(ctx, "processing failed",
			"stage", string(pe.Stage), "retryable", pe.Retryable, "error", err)
		c.JSON(status, dto.ErrorResponse{
			Error: dto.ErrorDetail{
				Message:   pe.Error(),
				Stage:     string(pe.Stage),
				Retryable: pe.Retryable,
			},
		})
		return
	}

	slog.ErrorContext(ctx, "unexpected processing error", "error", err)
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
		Error: dto.ErrorDetail{Message: "internal error"},
	})
}

func writeValidationError(c *gin.Context, ve *domain.ValidationError) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error: dto.ErrorDetail{
			Message:       ve.Error(),
			MissingFields: ve.Missing,
		},
	})
}

func analysisSummary(a *domain.AIAnalysisResult) dto.AnalysisSummary {
	if a == nil {
		return dto.AnalysisSummary{}
	}
	return dto.AnalysisSummary{
		Summary:     a.Summary,
		KeyPoints:   a.KeyPoints,
		TaskCount:   len(a.TaskDetection.Tasks),
		IsMultiTask: a.TaskDetection.IsMultiTask,
		Cached:      a.Cached,
	}
}

func taskRefs(refs []model.OutputRef) []dto.CreatedTaskRef {
	out := make([]dto.CreatedTaskRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, dto.CreatedTaskRef{
			TaskID: ref.Ref.ID,
			URL:    ref.Ref.URL,
		})
	}
	return out
}

func discussionResponse(d *model.Discussion) dto.DiscussionResponse {
	resp := dto.DiscussionResponse{
		ID:           d.ID,
		FlowID:       d.FlowID,
		SourceType:   d.SourceType,
		SourceURL:    d.SourceURL,
		Status:       string(d.Status),
		Attempts:     d.Attempts,
		Stage:        d.Stage,
		Error:        d.Error,
		NotifyError:  d.NotifyError,
		Tasks:        taskRefs(d.OutputRefs),
		ProcessingMS: d.ProcessingMS,
		CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.Analysis != nil {
		summary := analysisSummary(d.Analysis)
		resp.AIAnalysis = &summary
	}
	if d.CompletedAt != nil {
		completed := d.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	return resp
}
