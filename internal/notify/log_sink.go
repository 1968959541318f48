package notify

import (
	"context"

	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// LogSink 以结构化日志输出状态变化（替代原先的弹窗/打印）
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink 创建日志订阅者
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// HandleTransition 实现 dispatcher.Handler
func (s *LogSink) HandleTransition(_ context.Context, t models.Transition) error {
	fields := []zap.Field{
		zap.String("event_id", t.EventID),
		zap.String("item_id", t.Item.ID),
		zap.String("name", t.Item.Name),
		zap.String("previous_state", string(t.Previous)),
		zap.String("new_state", string(t.Current)),
	}
	if t.Item.LastLocation != nil {
		fields = append(fields, zap.String("last_location", *t.Item.LastLocation))
	}

	if t.Current == models.PresenceMissing {
		s.logger.Warn("ALERT: required item left behind", fields...)
		return nil
	}
	s.logger.Info("Item presence changed", fields...)
	return nil
}
