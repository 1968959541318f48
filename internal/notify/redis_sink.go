package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "edc-detector/common/redis"
	"edc-detector/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisPresenceSink 将物品当前在位状态写入 Redis 缓存，并追加到状态变化 stream
// 供其他进程（如推送网关）读取；注册表仍是唯一权威来源
type RedisPresenceSink struct {
	client       *redis.Client
	keyPrefix    string
	keySuffix    string
	stream       string
	streamMaxLen int64
	ttl          time.Duration
	logger       *zap.Logger
}

// NewRedisPresenceSink 创建 Redis 订阅者
func NewRedisPresenceSink(client *redis.Client, keyPrefix, keySuffix, stream string, streamMaxLen int64, ttl time.Duration, logger *zap.Logger) *RedisPresenceSink {
	return &RedisPresenceSink{
		client:       client,
		keyPrefix:    keyPrefix,
		keySuffix:    keySuffix,
		stream:       stream,
		streamMaxLen: streamMaxLen,
		ttl:          ttl,
		logger:       logger,
	}
}

// PresenceKey 构建在位缓存键，如 edc:item:aa:bb:cc:dd:ee:01:presence
func (s *RedisPresenceSink) PresenceKey(itemID string) string {
	return s.keyPrefix + itemID + s.keySuffix
}

// HandleTransition 实现 dispatcher.Handler
func (s *RedisPresenceSink) HandleTransition(ctx context.Context, t models.Transition) error {
	payload := NewTransitionPayload(t)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	key := s.PresenceKey(t.Item.ID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence %s: %w", key, err)
	}

	if s.stream == "" {
		return nil
	}
	streamID, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, s.streamMaxLen, payload)
	if err != nil {
		return err
	}

	s.logger.Debug("Published transition to Redis",
		zap.String("item_id", t.Item.ID),
		zap.String("stream", s.stream),
		zap.String("stream_id", streamID),
	)
	return nil
}
