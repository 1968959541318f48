package evaluator

import (
	"context"
	"errors"
	"sync"
	"time"

	"edc-detector/internal/metrics"
	"edc-detector/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry 评估器所需的注册表操作
type Registry interface {
	ListAll() []models.Item
	CompareAndSetPresence(ctx context.Context, id string, basis *time.Time, state models.PresenceState) (models.PresenceState, models.Item, bool, error)
}

// Publisher 状态变化分发
type Publisher interface {
	Publish(ctx context.Context, t models.Transition) error
}

// Summary 一次评估的结果
type Summary struct {
	Evaluated   int
	Transitions []models.Transition
	Skipped     bool // 已有评估在进行，本次跳过
}

// Evaluator 陈旧度评估器：周期扫描，将必需物品重新归类为 Present / Missing
type Evaluator struct {
	registry       Registry
	publisher      Publisher
	missingTimeout time.Duration
	tickInterval   time.Duration
	metrics        *metrics.Metrics
	logger         *zap.Logger
	now            func() time.Time

	running sync.Mutex    // 同一时刻仅一次扫描
	trigger chan struct{} // 带外立即评估（容量1，合并重复请求）
}

// New 创建评估器
func New(registry Registry, publisher Publisher, missingTimeout, tickInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		registry:       registry,
		publisher:      publisher,
		missingTimeout: missingTimeout,
		tickInterval:   tickInterval,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
		trigger:        make(chan struct{}, 1),
	}
}

// SetClock 替换时钟（测试用）
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Trigger 请求一次带外评估，不阻塞调用方
func (e *Evaluator) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run 启动评估循环，ctx 取消时返回；正在进行的扫描会完整结束
func (e *Evaluator) Run(ctx context.Context) error {
	e.logger.Info("Staleness evaluator started",
		zap.Duration("missing_timeout", e.missingTimeout),
		zap.Duration("tick_interval", e.tickInterval),
	)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	// 立即执行一次
	e.Evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Staleness evaluator stopped")
			return nil
		case <-ticker.C:
			e.Evaluate(ctx)
		case <-e.trigger:
			e.logger.Debug("Out-of-band evaluation requested")
			e.Evaluate(ctx)
		}
	}
}

// Evaluate 执行一次扫描；若已有扫描在进行则跳过
func (e *Evaluator) Evaluate(ctx context.Context) Summary {
	if !e.running.TryLock() {
		if e.metrics != nil {
			e.metrics.EvaluationsSkipped.Inc()
		}
		e.logger.Debug("Evaluation already in flight, skipping")
		return Summary{Skipped: true}
	}
	defer e.running.Unlock()

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		}
	}()

	// 扫描期间不响应取消，保证一次扫描完整结束
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	var summary Summary
	for _, item := range e.registry.ListAll() {
		if !item.Required {
			continue
		}
		summary.Evaluated++

		target, ok := e.classify(item, now)
		if !ok || target == item.PresenceState {
			continue
		}

		prev, updated, swapped, err := e.registry.CompareAndSetPresence(ctx, item.ID, item.LastSeenAt, target)
		if err != nil {
			e.logger.Error("Failed to set presence state",
				zap.String("item_id", item.ID),
				zap.String("target_state", string(target)),
				zap.Error(err),
			)
			continue
		}
		if !swapped || prev == target {
			continue
		}

		t := models.Transition{
			EventID:  uuid.NewString(),
			Item:     updated,
			Previous: prev,
			Current:  target,
			At:       now.UTC(),
		}
		summary.Transitions = append(summary.Transitions, t)
		e.publish(ctx, t)
	}

	return summary
}

// classify 计算目标状态；ok=false 表示保持当前状态
// 严格比较：恰好等于超时仍视为在位
func (e *Evaluator) classify(item models.Item, now time.Time) (models.PresenceState, bool) {
	if item.LastSeenAt == nil {
		// 从未观测：自注册时刻起计时，超时前保持 Unknown
		if now.Sub(item.RegisteredAt) > e.missingTimeout {
			return models.PresenceMissing, true
		}
		return "", false
	}
	if now.Sub(*item.LastSeenAt) > e.missingTimeout {
		return models.PresenceMissing, true
	}
	return models.PresencePresent, true
}

func (e *Evaluator) publish(ctx context.Context, t models.Transition) {
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(t.Current)).Inc()
	}

	fields := []zap.Field{
		zap.String("item_id", t.Item.ID),
		zap.String("name", t.Item.Name),
		zap.String("previous_state", string(t.Previous)),
		zap.String("new_state", string(t.Current)),
	}
	if t.Current == models.PresenceMissing {
		e.logger.Warn("Item missing", fields...)
	} else {
		e.logger.Info("Item present", fields...)
	}

	if err := e.publisher.Publish(ctx, t); err != nil {
		if errors.Is(err, models.ErrLogWriteFailed) {
			// 在位状态以注册表为准，审计缺失只上报
			e.logger.Error("Transition not recorded in event log",
				zap.String("item_id", t.Item.ID),
				zap.Error(err),
			)
			return
		}
		e.logger.Error("Failed to publish transition",
			zap.String("item_id", t.Item.ID),
			zap.Error(err),
		)
	}
}
