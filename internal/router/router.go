// Package router matches detected tasks against a flow's configured
// outputs using domain-label rules.
package router

import (
	"context"
	"log/slog"
	"sort"

	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/model"
)

// RoutedTask is one (task, output) pairing the output stage must create.
// TaskIndex is the task's position in the analysis result, stable across
// attempts so resumed runs can tell which creations already happened.
type RoutedTask struct {
	TaskIndex int
	Task      domain.DetectedTask
	Output    model.FlowOutput
}

// DroppedTask records a task no output accepted. A configuration gap, not
// a pipeline error.
type DroppedTask struct {
	TaskIndex int
	Task      domain.DetectedTask
}

// Result is the full routing decision for one analysis.
type Result struct {
	Routed  []RoutedTask
	Dropped []DroppedTask
}

// Route fans each task out to every output whose domain filter contains
// the task's domain. Tasks with no domain, or a domain no filter matches,
// fall through to the default output(s). Multiple defaults (an invariant
// violation in the flow config) all receive the task, in creation order,
// so routing stays deterministic.
func Route(ctx context.Context, tasks []domain.DetectedTask, outputs []model.FlowOutput) Result {
	ordered := append([]model.FlowOutput(nil), outputs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var defaults []model.FlowOutput
	for _, o := range ordered {
		if o.IsDefault {
			defaults = append(defaults, o)
		}
	}
	if len(defaults) > 1 {
		slog.WarnContext(ctx, "flow has multiple default outputs, fanning out to all",
			"defaults", len(defaults))
	}

	var result Result
	for i, task := range tasks {
		matched := matchByDomain(task, ordered)
		if len(matched) == 0 {
			matched = defaults
		}
		if len(matched) == 0 {
			slog.WarnContext(ctx, "no output accepts task, dropping",
				"task", task.Title, "task_index", i)
			result.Dropped = append(result.Dropped, DroppedTask{TaskIndex: i, Task: task})
			continue
		}
		for _, o := range matched {
			result.Routed = append(result.Routed, RoutedTask{TaskIndex: i, Task: task, Output: o})
		}
	}
	return result
}

func matchByDomain(task domain.DetectedTask, outputs []model.FlowOutput) []model.FlowOutput {
	if task.Domain == nil {
		return nil
	}
	var matched []model.FlowOutput
	for _, o := range outputs {
		if o.AcceptsDomain(*task.Domain) {
			matched = append(matched, o)
		}
	}
	return matched
}
