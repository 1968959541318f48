package models

import (
	"math"
	"time"
)

// SightingSource 观测来源
type SightingSource string

const (
	SourceTagRadio        SightingSource = "tag-radio"
	SourcePresenceTrigger SightingSource = "presence-trigger"
)

// Valid 检查来源是否合法
func (s SightingSource) Valid() bool {
	return s == SourceTagRadio || s == SourcePresenceTrigger
}

// SightingEvent 已解析的观测事件（瞬态，不直接存储）
type SightingEvent struct {
	ItemID     string
	ObservedAt time.Time
	Location   *string
	RSSI       *int
	Source     SightingSource
}

// SightingMessage 观测消息的线上格式（MQTT / HTTP）
// timestamp 为 Unix 秒（可带小数），缺省时取接收时间
type SightingMessage struct {
	Identifier string   `json:"identifier"`
	MAC        string   `json:"mac,omitempty"` // 旧版 edc/devices 负载字段
	Timestamp  *float64 `json:"timestamp,omitempty"`
	Location   *string  `json:"location,omitempty"`
	RSSI       *int     `json:"rssi,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// 时间以 Unix 纳秒存储，可表示范围约为 1677 年至 2262 年
var (
	MinStorableTime = time.Unix(0, math.MinInt64).UTC()
	MaxStorableTime = time.Unix(0, math.MaxInt64).UTC()
)

// Storable 时间能否无损存为 Unix 纳秒
func Storable(t time.Time) bool {
	return !t.Before(MinStorableTime) && !t.After(MaxStorableTime)
}
