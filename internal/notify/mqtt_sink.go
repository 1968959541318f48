package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MissingLister 提供当前丢失清单
type MissingLister interface {
	ListMissing() []models.Item
}

// MQTTAlertSink 将状态变化发布到 alerts 主题，并将当前丢失清单发布到 missing 主题（retained）
type MQTTAlertSink struct {
	publisher    Publisher
	lister       MissingLister
	alertsTopic  string
	missingTopic string
	qos          byte
	logger       *zap.Logger
}

// NewMQTTAlertSink 创建 MQTT 告警订阅者
func NewMQTTAlertSink(publisher Publisher, lister MissingLister, alertsTopic, missingTopic string, qos byte, logger *zap.Logger) *MQTTAlertSink {
	return &MQTTAlertSink{
		publisher:    publisher,
		lister:       lister,
		alertsTopic:  alertsTopic,
		missingTopic: missingTopic,
		qos:          qos,
		logger:       logger,
	}
}

// HandleTransition 实现 dispatcher.Handler
func (s *MQTTAlertSink) HandleTransition(_ context.Context, t models.Transition) error {
	alert, err := json.Marshal(NewTransitionPayload(t))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := s.publisher.Publish(s.alertsTopic, s.qos, false, alert); err != nil {
		return err
	}

	if s.missingTopic == "" {
		return nil
	}
	missing, err := json.Marshal(NewMissingList(s.lister.ListMissing(), t.At))
	if err != nil {
		return fmt.Errorf("failed to marshal missing list: %w", err)
	}
	if err := s.publisher.Publish(s.missingTopic, s.qos, true, missing); err != nil {
		return err
	}

	s.logger.Debug("Published transition to MQTT",
		zap.String("item_id", t.Item.ID),
		zap.String("topic", s.alertsTopic),
	)
	return nil
}
