package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"edc-detector/internal/metrics"
	"edc-detector/internal/models"
	"edc-detector/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Store 日志存储接口（由 repository.EventLogRepository 实现）
type Store interface {
	AppendEntry(ctx context.Context, entry models.LogEntry) (int64, error)
	QueryEntries(ctx context.Context, q models.LogQuery) (*repository.EntryIterator, error)
}

// RetryPolicy 写入失败的有界退避
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// EventLog 只追加的审计日志
// 写入失败按退避重试，仍失败时返回 ErrLogWriteFailed，不回滚调用方的状态变更
type EventLog struct {
	store   Store
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// ErrClosed 关闭后写入
var ErrClosed = errors.New("event log closed")

// New 创建事件日志
func New(store Store, policy RetryPolicy, m *metrics.Metrics, logger *zap.Logger) *EventLog {
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 50 * time.Millisecond
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &EventLog{
		store:   store,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

// Append 持久化一条日志
func (l *EventLog) Append(ctx context.Context, entry models.LogEntry) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return fmt.Errorf("%w: %v", models.ErrLogWriteFailed, ErrClosed)
	}
	l.inflight.Add(1)
	l.mu.RUnlock()
	defer l.inflight.Done()

	if !entry.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %q", models.ErrLogWriteFailed, entry.Kind)
	}
	entry.ItemID = models.NormalizeID(entry.ItemID)
	entry.Timestamp = entry.Timestamp.UTC()

	attempts := 0
	op := func() error {
		attempts++
		_, err := l.store.AppendEntry(ctx, entry)
		if err != nil {
			l.logger.Warn("Event log append failed, will retry",
				zap.String("item_id", entry.ItemID),
				zap.String("kind", string(entry.Kind)),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
		return err
	}

	if err := backoff.Retry(op, l.newBackOff(ctx)); err != nil {
		if l.metrics != nil {
			l.metrics.LogWriteFailures.Inc()
		}
		l.logger.Error("Event log append failed after retries",
			zap.String("item_id", entry.ItemID),
			zap.String("kind", string(entry.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", models.ErrLogWriteFailed, err)
	}

	if l.metrics != nil {
		l.metrics.LogAppends.Inc()
	}
	return nil
}

// Query 按条件惰性读取日志（时间升序）
func (l *EventLog) Query(ctx context.Context, q models.LogQuery) (*repository.EntryIterator, error) {
	return l.store.QueryEntries(ctx, q)
}

// Collect 读取全部匹配条目（测试与导出使用）
func (l *EventLog) Collect(ctx context.Context, q models.LogQuery) ([]models.LogEntry, error) {
	it, err := l.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []models.LogEntry
	for it.Next() {
		out = append(out, it.Entry())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close 拒绝新的写入并等待已接受的写入完成
func (l *EventLog) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.inflight.Wait()
}

func (l *EventLog) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.policy.InitialBackoff
	eb.MaxInterval = l.policy.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.policy.MaxRetries)), ctx)
}
