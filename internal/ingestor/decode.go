package ingestor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"edc-detector/internal/models"
)

// MaxFutureSkew 读取器时钟可领先接收时间的最大偏差
var MaxFutureSkew = 5 * time.Minute

var maxTimestampSeconds = float64(models.MaxStorableTime.Unix())

// DecodeSighting 将线上消息解析为 SightingEvent
// topicID 为从主题中解析出的标识符（edc/items/{id}/seen），负载中的 identifier 优先
// 时间戳缺省时使用 receivedAt
func DecodeSighting(payload []byte, topicID string, defaultSource models.SightingSource, receivedAt time.Time) (models.SightingEvent, error) {
	var msg models.SightingMessage
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return models.SightingEvent{}, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
		}
	}

	id := msg.Identifier
	if id == "" {
		id = msg.MAC
	}
	if id == "" {
		id = topicID
	}
	return BuildEvent(msg, id, defaultSource, receivedAt)
}

// BuildEvent 校验并构建事件
func BuildEvent(msg models.SightingMessage, id string, defaultSource models.SightingSource, receivedAt time.Time) (models.SightingEvent, error) {
	id = models.NormalizeID(id)
	if id == "" {
		return models.SightingEvent{}, fmt.Errorf("%w: missing identifier", models.ErrMalformedEvent)
	}

	source := defaultSource
	if msg.Source != "" {
		source = models.SightingSource(strings.ToLower(strings.TrimSpace(msg.Source)))
		if !source.Valid() {
			return models.SightingEvent{}, fmt.Errorf("%w: unknown source %q", models.ErrMalformedEvent, msg.Source)
		}
	}

	observedAt := receivedAt
	if msg.Timestamp != nil {
		ts := *msg.Timestamp
		if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 || ts > maxTimestampSeconds {
			return models.SightingEvent{}, fmt.Errorf("%w: invalid timestamp", models.ErrMalformedEvent)
		}
		sec, frac := math.Modf(ts)
		observedAt = time.Unix(int64(sec), int64(frac*1e9))
		if !models.Storable(observedAt) {
			return models.SightingEvent{}, fmt.Errorf("%w: timestamp out of range", models.ErrMalformedEvent)
		}
		if observedAt.Sub(receivedAt) > MaxFutureSkew {
			return models.SightingEvent{}, fmt.Errorf("%w: timestamp %s ahead of receipt time", models.ErrMalformedEvent, observedAt.UTC().Format(time.RFC3339))
		}
	}

	var location *string
	if msg.Location != nil {
		if l := strings.TrimSpace(*msg.Location); l != "" {
			location = &l
		}
	}

	return models.SightingEvent{
		ItemID:     id,
		ObservedAt: observedAt.UTC(),
		Location:   location,
		RSSI:       msg.RSSI,
		Source:     source,
	}, nil
}
