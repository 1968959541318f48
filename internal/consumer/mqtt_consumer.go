package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqttcommon "edc-detector/common/mqtt"
	"edc-detector/internal/config"
	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Ingestor 观测摄取接口
type Ingestor interface {
	IngestPayload(ctx context.Context, payload []byte, topicID string, source models.SightingSource) error
}

// Trigger 在场触发（立即评估）
type Trigger interface {
	Trigger()
}

// MQTTConsumer MQTT消息消费者：观测主题 -> 摄取器，触发主题 -> 评估器
type MQTTConsumer struct {
	config     *config.Config
	subscriber Subscriber
	ingestor   Ingestor
	trigger    Trigger
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	subscriber Subscriber,
	ingestor Ingestor,
	trigger Trigger,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		subscriber: subscriber,
		ingestor:   ingestor,
		trigger:    trigger,
		logger:     logger,
	}
}

// Start 订阅全部主题并阻塞直到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	topics := c.config.Detector.Topics
	qos := c.config.MQTT.QoS

	subs := []struct {
		topic   string
		handler mqttcommon.MessageHandler
	}{
		{topics.Seen, c.handleSeen},
		{topics.Devices, c.handleDevices},
		{topics.Trigger, c.handleTrigger},
	}
	for _, s := range subs {
		if s.topic == "" {
			continue
		}
		if err := c.subscriber.Subscribe(s.topic, qos, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
		c.logger.Info("MQTT consumer subscribed", zap.String("topic", s.topic))
	}

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() error {
	topics := c.config.Detector.Topics
	var active []string
	for _, t := range []string{topics.Seen, topics.Devices, topics.Trigger} {
		if t != "" {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}
	if err := c.subscriber.Unsubscribe(active...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleSeen 处理单物品观测
// 主题格式: edc/items/{identifier}/seen
func (c *MQTTConsumer) handleSeen(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return fmt.Errorf("%w: invalid topic format: %s", models.ErrMalformedEvent, topic)
	}
	identifier := parts[len(parts)-2]

	return c.ingest(payload, identifier, topic)
}

// handleDevices 处理读取器聚合上报（负载中携带 identifier 或 mac）
func (c *MQTTConsumer) handleDevices(topic string, payload []byte) error {
	return c.ingest(payload, "", topic)
}

// handleTrigger 在场触发：任意负载均触发一次立即评估
func (c *MQTTConsumer) handleTrigger(topic string, _ []byte) error {
	c.logger.Info("Presence trigger received", zap.String("topic", topic))
	c.trigger.Trigger()
	return nil
}

func (c *MQTTConsumer) ingest(payload []byte, identifier, topic string) error {
	err := c.ingestor.IngestPayload(context.Background(), payload, identifier, models.SourceTagRadio)
	if err == nil {
		return nil
	}
	// 单事件错误不影响后续消息，具体日志已在摄取边界记录
	if errors.Is(err, models.ErrMalformedEvent) || errors.Is(err, models.ErrUnknownItem) {
		return nil
	}
	return fmt.Errorf("failed to ingest message from %s: %w", topic, err)
}
