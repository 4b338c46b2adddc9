package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"imodalign/internal/config"
	"imodalign/internal/etomo"
)

// AlignmentManager selects and executes processors.
type AlignmentManager struct {
	processors map[string]AlignmentProcessor
	order      []string
	config     *config.AlignmentConfig
}

// NewAlignmentManager registers the enabled batchruntomo processors. A nil
// runner means each processor invokes batchruntomo itself.
func NewAlignmentManager(cfg *config.Config, runner etomo.Runner, logger *slog.Logger) *AlignmentManager {
	m := &AlignmentManager{processors: make(map[string]AlignmentProcessor), config: &cfg.Alignment}

	if cfg.Alignment.Fiducials.Enabled {
		m.Register(NewFiducialAlignmentProcessor(cfg, runner, logger))
	}
	if cfg.Alignment.PatchTracking.Enabled {
		m.Register(NewPatchTrackingAlignmentProcessor(cfg, runner, logger))
	}
	return m
}

// Register a processor.
func (m *AlignmentManager) Register(p AlignmentProcessor) {
	if p == nil {
		return
	}
	if _, exists := m.processors[p.Name()]; !exists {
		m.order = append(m.order, p.Name())
	}
	m.processors[p.Name()] = p
}

// Processors exposes registry.
func (m *AlignmentManager) Processors() map[string]AlignmentProcessor {
	return m.processors
}

// Names lists registered processors in registration order.
func (m *AlignmentManager) Names() []string {
	return append([]string(nil), m.order...)
}

// Align runs req on the best available processor for req.AlignType.
func (m *AlignmentManager) Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error) {
	proc := m.selectProcessor(req)
	if proc == nil {
		return AlignmentResult{}, fmt.Errorf("no alignment processor available for type %v", req.AlignType)
	}
	return proc.Align(ctx, req)
}

func (m *AlignmentManager) selectProcessor(req AlignmentRequest) AlignmentProcessor {
	if m.config != nil && m.config.DefaultProcessor != "" {
		if p, ok := m.processors[m.config.DefaultProcessor]; ok && p.IsAvailable() && p.SupportsType(req.AlignType) {
			return p
		}
	}

	var (
		best      AlignmentProcessor
		bestScore float64
	)

	for _, name := range m.order {
		p := m.processors[name]
		if !p.IsAvailable() || !p.SupportsType(req.AlignType) {
			continue
		}

		score, err := p.EstimateQuality(req)
		if err != nil {
			continue
		}
		if best == nil || score > bestScore {
			best = p
			bestScore = score
		}
	}

	return best
}
