package notify

import (
	"context"
	"fmt"
	"time"

	"edc-detector/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookSink 将状态变化推送到外部推送网关
type WebhookSink struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookSink 创建推送网关订阅者
func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookSink{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// HandleTransition 实现 dispatcher.Handler
func (s *WebhookSink) HandleTransition(ctx context.Context, t models.Transition) error {
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(NewTransitionPayload(t)).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	s.logger.Debug("Pushed transition to webhook",
		zap.String("item_id", t.Item.ID),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}
