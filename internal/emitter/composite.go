package emitter

import (
	"context"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

// CompositeEmitter fans events out to every child. A failing child never
// prevents siblings from receiving the event.
type CompositeEmitter struct {
	children []Emitter
	logger   *logger.Logger
}

// NewComposite creates a fan-out emitter.
func NewComposite(log *logger.Logger, children ...Emitter) *CompositeEmitter {
	return &CompositeEmitter{
		children: children,
		logger:   log.WithFields(zap.String("component", "composite_emitter")),
	}
}

// Emit delivers to every child, logging per-child failures.
func (e *CompositeEmitter) Emit(ctx context.Context, ev *event.Event) error {
	for i, child := range e.children {
		if err := child.Emit(ctx, ev); err != nil {
			e.logger.Warn("child emitter failed",
				zap.Int("child", i),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
	return nil
}

// Close closes every child, logging failures.
func (e *CompositeEmitter) Close() error {
	for i, child := range e.children {
		if err := child.Close(); err != nil {
			e.logger.Warn("child emitter close failed", zap.Int("child", i), zap.Error(err))
		}
	}
	return nil
}
