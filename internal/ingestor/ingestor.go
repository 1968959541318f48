package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"edc-detector/internal/metrics"
	"edc-detector/internal/models"
	"edc-detector/internal/registry"

	"go.uber.org/zap"
)

// Registry 摄取所需的注册表操作
type Registry interface {
	ApplySighting(ctx context.Context, id string, observedAt time.Time, location *string, rssi *int) (registry.SightingResult, error)
}

// LogAppender 事件日志写入接口
type LogAppender interface {
	Append(ctx context.Context, entry models.LogEntry) error
}

// Options 摄取配置
type Options struct {
	AuditUnrecognized bool // 未注册标识符是否写 unrecognized 审计条目
}

// Ingestor 观测事件的唯一并发安全入口
// 不等待评估器或分发器：在位状态变化由评估器计算，这里只发出非阻塞的评估请求
type Ingestor struct {
	registry Registry
	log      LogAppender
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	evaluate func()

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New 创建摄取器
func New(reg Registry, log LogAppender, opts Options, m *metrics.Metrics, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		registry: reg,
		log:      log,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		evaluate: func() {},
	}
}

// SetEvaluationTrigger 设置非阻塞的评估请求函数（观测使物品可能恢复时调用）
func (in *Ingestor) SetEvaluationTrigger(fn func()) {
	if fn != nil {
		in.evaluate = fn
	}
}

// SetClock 替换时钟（测试用）
func (in *Ingestor) SetClock(now func() time.Time) {
	in.now = now
}

// IngestPayload 解析线上负载后摄取
func (in *Ingestor) IngestPayload(ctx context.Context, payload []byte, topicID string, source models.SightingSource) error {
	ev, err := DecodeSighting(payload, topicID, source, in.now())
	if err != nil {
		in.reject(metrics.ReasonMalformed)
		in.logger.Debug("Malformed sighting dropped",
			zap.String("topic_identifier", topicID),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return err
	}
	return in.Ingest(ctx, ev)
}

// Ingest 摄取一条已解析的观测
func (in *Ingestor) Ingest(ctx context.Context, ev models.SightingEvent) error {
	in.mu.RLock()
	if in.closed {
		in.mu.RUnlock()
		in.reject(metrics.ReasonClosed)
		return models.ErrIngestorClosed
	}
	in.inflight.Add(1)
	in.mu.RUnlock()
	defer in.inflight.Done()

	// 已接受的观测必须完整落盘（注册表与 seen 日志），不随调用方取消中断
	ctx = context.WithoutCancel(ctx)

	// 1. 校验
	ev.ItemID = models.NormalizeID(ev.ItemID)
	if ev.ItemID == "" {
		in.reject(metrics.ReasonMalformed)
		in.logger.Debug("Sighting without identifier dropped")
		return fmt.Errorf("%w: missing identifier", models.ErrMalformedEvent)
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = in.now().UTC()
	}
	if !models.Storable(ev.ObservedAt) {
		in.reject(metrics.ReasonMalformed)
		in.logger.Debug("Sighting with out-of-range timestamp dropped",
			zap.String("item_id", ev.ItemID),
			zap.Int64("observed_at_unix", ev.ObservedAt.Unix()),
		)
		return fmt.Errorf("%w: timestamp out of range", models.ErrMalformedEvent)
	}
	if ev.Source == "" {
		ev.Source = models.SourceTagRadio
	}

	// 2. 应用到注册表
	res, err := in.registry.ApplySighting(ctx, ev.ItemID, ev.ObservedAt, ev.Location, ev.RSSI)
	if err != nil {
		if errors.Is(err, models.ErrUnknownItem) {
			in.reject(metrics.ReasonUnknown)
			in.logger.Info("Unrecognized sighting",
				zap.String("item_id", ev.ItemID),
				zap.String("source", string(ev.Source)),
			)
			if in.opts.AuditUnrecognized {
				in.appendLog(ctx, ev, models.LogUnrecognized)
			}
		}
		return err
	}

	if in.metrics != nil {
		in.metrics.SightingsAccepted.Inc()
	}

	// 3. 每次接受的观测都写 seen（包括重复与迟到的）
	logErr := in.appendLog(ctx, ev, models.LogSeen)

	// 4. 非 Present 的必需物品可能需要状态变化，请求一次带外评估
	if res.Advanced && res.Item.Required && res.Item.PresenceState != models.PresencePresent {
		in.evaluate()
	}

	in.logger.Debug("Sighting accepted",
		zap.String("item_id", ev.ItemID),
		zap.Time("observed_at", ev.ObservedAt),
		zap.Bool("advanced", res.Advanced),
	)
	return logErr
}

// Close 拒绝新事件并等待进行中的摄取（含其日志写入）完成
func (in *Ingestor) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.inflight.Wait()
}

func (in *Ingestor) appendLog(ctx context.Context, ev models.SightingEvent, kind models.LogKind) error {
	source := ev.Source
	entry := models.LogEntry{
		Timestamp: ev.ObservedAt,
		ItemID:    ev.ItemID,
		Kind:      kind,
		Location:  ev.Location,
		Source:    &source,
		RSSI:      ev.RSSI,
	}
	if err := in.log.Append(ctx, entry); err != nil {
		in.logger.Error("Failed to record sighting in event log",
			zap.String("item_id", ev.ItemID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (in *Ingestor) reject(reason string) {
	if in.metrics != nil {
		in.metrics.SightingsRejected.WithLabelValues(reason).Inc()
	}
}
