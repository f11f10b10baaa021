package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/http/handler"
	"tasklens.dev/processor/internal/model"
	"tasklens.dev/processor/internal/service"
)

var _ = Describe("DiscussionHandler", func() {
	var (
		router *gin.Engine
		svc    *mockProcessorService
	)

	successResult := func() *service.ProcessResult {
		summary := "login is broken"
		return &service.ProcessResult{
			Discussion: &model.Discussion{
				ID:           123,
				Status:       model.DiscussionStatusCompleted,
				ProcessingMS: 850,
			},
			Analysis: &domain.AIAnalysisResult{
				Summary:   summary,
				KeyPoints: []string{"timeout on mobile"},
				TaskDetection: domain.TaskDetection{
					Tasks: []domain.DetectedTask{{Title: "Fix login"}},
				},
			},
			Created: []model.OutputRef{
				{OutputID: 1, OutputType: "notion", TaskIndex: 0, Ref: domain.TaskRef{ID: "n-1", URL: "https://notion.example/n-1"}},
			},
			TotalTime: 900 * time.Millisecond,
		}
	}

	post := func(body any) *httptest.ResponseRecorder {
		payload, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/discussions/process", bytes.NewBuffer(payload))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockProcessorService{}
		h := handler.NewDiscussionHandler(svc)
		router.POST("/discussions/process", h.Process)
		router.GET("/discussions/:id", h.Get)
	})

	Describe("Process", func() {
		Context("direct", func() {
			It("returns the analysis and created task refs", func() {
				svc.processDirectFn = func(_ context.Context, parsed *domain.ParsedDiscussion, _ service.ProcessOptions) (*service.ProcessResult, error) {
					Expect(parsed.SourceType).To(Equal("gitlab"))
					return successResult(), nil
				}

				w := post(map[string]any{
					"type": "direct",
					"parsed": map[string]any{
						"sourceType":     "gitlab",
						"sourceThreadId": "1/2/abc",
						"sourceUrl":      "https://gitlab.example/x",
						"teamId":         "team-1",
						"authorHandle":   "dev",
						"title":          "t",
						"content":        "c",
					},
				})

				Expect(w.Code).To(Equal(http.StatusOK))

				var resp map[string]any
				Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
				Expect(resp["success"]).To(BeTrue())

				data := resp["data"].(map[string]any)
				Expect(data["discussionId"]).To(BeNumerically("==", 123))
				Expect(data["processingTime"]).To(BeNumerically("==", 850))
				Expect(data["totalTime"]).To(BeNumerically("==", 900))

				ai := data["aiAnalysis"].(map[string]any)
				Expect(ai["summary"]).To(Equal("login is broken"))
				Expect(ai["taskCount"]).To(BeNumerically("==", 1))

				tasks := data["notionTasks"].([]any)
				Expect(tasks).To(HaveLen(1))
				Expect(tasks[0].(map[string]any)["taskId"]).To(Equal("n-1"))
			})

			It("returns 400 with the missing field list", func() {
				svc.processDirectFn = func(_ context.Context, _ *domain.ParsedDiscussion, _ service.ProcessOptions) (*service.ProcessResult, error) {
					return nil, domain.NewValidationError("teamId", "content")
				}

				w := post(map[string]any{"type": "direct", "parsed": map[string]any{"sourceType": "gitlab"}})

				Expect(w.Code).To(Equal(http.StatusBadRequest))

				var resp map[string]any
				Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
				errDetail := resp["error"].(map[string]any)
				Expect(errDetail["missingFields"]).To(ConsistOf("teamId", "content"))
			})

			It("passes the skip options through", func() {
				var captured service.ProcessOptions
				svc.processDirectFn = func(_ context.Context, _ *domain.ParsedDiscussion, opts service.ProcessOptions) (*service.ProcessResult, error) {
					captured = opts
					return successResult(), nil
				}

				w := post(map[string]any{
					"type":    "direct",
					"parsed":  map[string]any{"sourceType": "gitlab"},
					"options": map[string]any{"skipAI": true, "skipNotion": true},
				})

				Expect(w.Code).To(Equal(http.StatusOK))
				Expect(captured.SkipAI).To(BeTrue())
				Expect(captured.SkipOutputs).To(BeTrue())
			})
		})

		Context("reprocess and retry", func() {
			It("requires discussionId", func() {
				w := post(map[string]any{"type": "reprocess"})
				Expect(w.Code).To(Equal(http.StatusBadRequest))

				w = post(map[string]any{"type": "retry"})
				Expect(w.Code).To(Equal(http.StatusBadRequest))
			})

			It("forwards the force flag to reprocess", func() {
				var gotForce bool
				svc.reprocessFn = func(_ context.Context, discussionID int64, force bool) (*service.ProcessResult, error) {
					Expect(discussionID).To(Equal(int64(55)))
					gotForce = force
					return successResult(), nil
				}

				w := post(map[string]any{"type": "reprocess", "discussionId": 55, "force": true})
				Expect(w.Code).To(Equal(http.StatusOK))
				Expect(gotForce).To(BeTrue())
			})
		})

		Context("error mapping", func() {
			It("maps retryable processing errors to 503", func() {
				svc.retryFailedFn = func(_ context.Context, _ int64) (*service.ProcessResult, error) {
					return nil, domain.NewProcessingError(domain.StageAnalysis, true, errors.New("model rate limited"))
				}

				w := post(map[string]any{"type": "retry", "discussionId": 1})
				Expect(w.Code).To(Equal(http.StatusServiceUnavailable))

				var resp map[string]any
				Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
				errDetail := resp["error"].(map[string]any)
				Expect(errDetail["stage"]).To(Equal("analysis"))
				Expect(errDetail["retryable"]).To(BeTrue())
			})

			It("maps non-retryable processing errors to 422", func() {
				svc.reprocessFn = func(_ context.Context, _ int64, _ bool) (*service.ProcessResult, error) {
					return nil, domain.NewProcessingError(domain.StageFlow, false, errors.New("no active flow"))
				}

				w := post(map[string]any{"type": "reprocess", "discussionId": 1})
				Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
			})

			It("maps unknown errors to 500", func() {
				svc.processDirectFn = func(_ context.Context, _ *domain.ParsedDiscussion, _ service.ProcessOptions) (*service.ProcessResult, error) {
					return nil, errors.New("boom")
				}

				w := post(map[string]any{"type": "direct", "parsed": map[string]any{"sourceType": "x"}})
				Expect(w.Code).To(Equal(http.StatusInternalServerError))
			})

			It("rejects unknown request types", func() {
				w := post(map[string]any{"type": "replay"})
				Expect(w.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("Get", func() {
		It("returns the stored discussion", func() {
			stage := "output"
			svc.getDiscussionFn = func(_ context.Context, id int64) (*model.Discussion, error) {
				Expect(id).To(Equal(int64(123)))
				return &model.Discussion{
					ID:         123,
					FlowID:     7,
					SourceType: "gitlab",
					Status:     model.DiscussionStatusFailed,
					Attempts:   2,
					Stage:      &stage,
					CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
				}, nil
			}

			req := httptest.NewRequest(http.MethodGet, "/discussions/123", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))

			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["status"]).To(Equal("failed"))
			Expect(resp["attempts"]).To(BeNumerically("==", 2))
			Expect(resp["stage"]).To(Equal("output"))
		})

		It("returns 404 for unknown ids", func() {
			svc.getDiscussionFn = func(_ context.Context, _ int64) (*model.Discussion, error) {
				return nil, &domain.ValidationError{Reason: "discussion 9 not found"}
			}

			req := httptest.NewRequest(http.MethodGet, "/discussions/9", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for a non-numeric id", func() {
			req := httptest.NewRequest(http.MethodGet, "/discussions/abc", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
