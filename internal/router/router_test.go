package router_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/model"
	"tasklens.dev/processor/internal/router"
)

func strPtr(s string) *string { return &s }

func task(title string, domainLabel *string) domain.DetectedTask {
	return domain.DetectedTask{Title: title, Domain: domainLabel}
}

func output(id int64, domains []string, isDefault bool) model.FlowOutput {
	return model.FlowOutput{
		ID:           id,
		OutputType:   "notion",
		DomainFilter: domains,
		IsDefault:    isDefault,
	}
}

var _ = Describe("Route", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("when a task's domain matches a filter", func() {
		It("routes the task to every matching output, not just the first", func() {
			outputs := []model.FlowOutput{
				output(1, []string{"backend"}, false),
				output(2, []string{"backend", "infra"}, false),
				output(3, []string{"frontend"}, true),
			}

			result := router.Route(ctx, []domain.DetectedTask{task("fix api", strPtr("backend"))}, outputs)

			Expect(result.Dropped).To(BeEmpty())
			Expect(result.Routed).To(HaveLen(2))
			Expect(result.Routed[0].Output.ID).To(Equal(int64(1)))
			Expect(result.Routed[1].Output.ID).To(Equal(int64(2)))
		})

		It("does not also route to the default output", func() {
			outputs := []model.FlowOutput{
				output(1, []string{"backend"}, false),
				output(2, nil, true),
			}

			result := router.Route(ctx, []domain.DetectedTask{task("fix api", strPtr("backend"))}, outputs)

			Expect(result.Routed).To(HaveLen(1))
			Expect(result.Routed[0].Output.ID).To(Equal(int64(1)))
		})
	})

	Context("when a task has no domain", func() {
		It("falls through to the default output", func() {
			outputs := []model.FlowOutput{
				output(1, []string{"backend"}, false),
				output(2, nil, true),
			}

			result := router.Route(ctx, []domain.DetectedTask{task("untriaged", nil)}, outputs)

			Expect(result.Routed).To(HaveLen(1))
			Expect(result.Routed[0].Output.ID).To(Equal(int64(2)))
		})
	})

	Context("when a task's domain matches no filter", func() {
		It("falls through to the default output", func() {
			outputs := []model.FlowOutput{
				output(1, []string{"backend"}, false),
				output(2, nil, true),
			}

			result := router.Route(ctx, []domain.DetectedTask{task("design pass", strPtr("design"))}, outputs)

			Expect(result.Routed).To(HaveLen(1))
			Expect(result.Routed[0].Output.ID).To(Equal(int64(2)))
		})
	})

	Context("when no output matches and no default exists", func() {
		It("drops the task without failing", func() {
			outputs := []model.FlowOutput{
				output(1, []string{"backend"}, false),
			}

			result := router.Route(ctx, []domain.DetectedTask{
				task("fix api", strPtr("backend")),
				task("design pass", strPtr("design")),
			}, outputs)

			Expect(result.Routed).To(HaveLen(1))
			Expect(result.Dropped).To(HaveLen(1))
			Expect(result.Dropped[0].TaskIndex).To(Equal(1))
			Expect(result.Dropped[0].Task.Title).To(Equal("design pass"))
		})
	})

	Context("when multiple default outputs exist", func() {
		It("fans out to all of them in creation order", func() {
			outputs := []model.FlowOutput{
				output(5, nil, true),
				output(3, nil, true),
			}

			result := router.Route(ctx, []domain.DetectedTask{task("untriaged", nil)}, outputs)

			Expect(result.Routed).To(HaveLen(2))
			Expect(result.Routed[0].Output.ID).To(Equal(int64(3)))
			Expect(result.Routed[1].Output.ID).To(Equal(int64(5)))
		})
	})

	Context("with a mixed multi-task analysis", func() {
		It("keeps task indexes stable across the fan-out", func() {
			outputs := []model.FlowOutput{
				output(1, []string{"backend"}, false),
				output(2, []string{"frontend"}, false),
				output(3, nil, true),
			}
			tasks := []domain.DetectedTask{
				task("fix api", strPtr("backend")),
				task("update button", strPtr("frontend")),
				task("write docs", nil),
			}

			result := router.Route(ctx, tasks, outputs)

			Expect(result.Routed).To(HaveLen(3))
			Expect(result.Dropped).To(BeEmpty())

			byIndex := map[int]int64{}
			for _, rt := range result.Routed {
				byIndex[rt.TaskIndex] = rt.Output.ID
			}
			Expect(byIndex).To(Equal(map[int]int64{0: 1, 1: 2, 2: 3}))
		})
	})

	Context("with no tasks", func() {
		It("returns an empty result", func() {
			result := router.Route(ctx, nil, []model.FlowOutput{output(1, nil, true)})
			Expect(result.Routed).To(BeEmpty())
			Expect(result.Dropped).To(BeEmpty())
		})
	})
})
