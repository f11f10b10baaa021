package service

import (
	"tasklens.dev/processor/core/config"
	"tasklens.dev/processor/internal/adapter"
	"tasklens.dev/processor/internal/notify"
	"tasklens.dev/processor/internal/output"
	"tasklens.dev/processor/internal/store"
)

type Services struct {
	stores   *store.Stores
	adapters *adapter.Registry
	analyzer Analyzer
	creators *output.Registry
	pipeline config.PipelineConfig
}

func NewServices(
	stores *store.Stores,
	adapters *adapter.Registry,
	analyzer Analyzer,
	creators *output.Registry,
	pipeline config.PipelineConfig,
) *Services {
	return &Services{
		stores:   stores,
		adapters: adapters,
		analyzer: analyzer,
		creators: creators,
		pipeline: pipeline,
	}
}

func (s *Services) Processor() ProcessorService {
	return NewProcessorService(
		s.stores.Discussions(),
		s.stores.Flows(),
		s.adapters,
		s.analyzer,
		s.creators,
		notify.NewNotifier(s.adapters),
		s.pipeline,
	)
}
