package ui

import "github.com/bamsammich/flashall/internal/stats"

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats *stats.Collector
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events {
		// Counters are maintained by the engine; nothing to render.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
