package models

import "time"

// LogKind 事件日志类型
type LogKind string

const (
	LogSeen         LogKind = "seen"
	LogMissing      LogKind = "missing"
	LogRecovered    LogKind = "recovered"
	LogUnrecognized LogKind = "unrecognized" // 未注册标识符的观测（可选审计）
)

// Valid 检查类型是否合法
func (k LogKind) Valid() bool {
	switch k {
	case LogSeen, LogMissing, LogRecovered, LogUnrecognized:
		return true
	}
	return false
}

// LogEntry 事件日志条目（对应 event_log 表，只追加）
type LogEntry struct {
	ID        int64           `json:"id" db:"id"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	ItemID    string          `json:"item_id" db:"item_id"`
	Kind      LogKind         `json:"kind" db:"kind"`
	Location  *string         `json:"location,omitempty" db:"location"`
	Source    *SightingSource `json:"source,omitempty" db:"source"`
	RSSI      *int            `json:"rssi,omitempty" db:"rssi"`
}

// LogQuery 日志查询条件（全部可选）
type LogQuery struct {
	ItemID *string
	Since  *time.Time // ts >= Since
	Kind   *LogKind
}
