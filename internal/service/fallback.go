package service

import (
	"context"

	"tasklens.dev/processor/internal/analysis"
	"tasklens.dev/processor/internal/domain"
)

// FallbackAnalyzer stands in for the AI engine when no model provider is
// configured. Every discussion becomes a single task built from its own
// text.
type FallbackAnalyzer struct{}

func (FallbackAnalyzer) Analyze(_ context.Context, text string, _ analysis.Options) (*domain.AIAnalysisResult, error) {
	return analysis.FallbackResult("", text), nil
}
