package models

import (
	"strings"
	"time"
)

// PresenceState 物品在位状态
type PresenceState string

const (
	PresenceUnknown PresenceState = "unknown" // 从未被观测/评估
	PresencePresent PresenceState = "present"
	PresenceMissing PresenceState = "missing"
)

// Valid 检查状态值是否合法
func (s PresenceState) Valid() bool {
	switch s {
	case PresenceUnknown, PresencePresent, PresenceMissing:
		return true
	}
	return false
}

// Item 被追踪的物品（对应 items 表）
type Item struct {
	ID            string        `json:"id" db:"id"` // 标签硬件地址（小写）
	Name          string        `json:"name" db:"name"`
	Description   string        `json:"description,omitempty" db:"description"`
	Required      bool          `json:"required" db:"required"`
	LastSeenAt    *time.Time    `json:"last_seen_at,omitempty" db:"last_seen_at"`
	LastLocation  *string       `json:"last_location,omitempty" db:"last_location"`
	LastRSSI      *int          `json:"last_rssi,omitempty" db:"last_rssi"`
	PresenceState PresenceState `json:"presence_state" db:"presence_state"`
	RegisteredAt  time.Time     `json:"registered_at" db:"registered_at"`
	Position      int64         `json:"-" db:"position"` // 注册顺序
}

// Clone 深拷贝（快照读取时使用，避免调用方修改内部指针）
func (i Item) Clone() Item {
	out := i
	if i.LastSeenAt != nil {
		t := *i.LastSeenAt
		out.LastSeenAt = &t
	}
	if i.LastLocation != nil {
		l := *i.LastLocation
		out.LastLocation = &l
	}
	if i.LastRSSI != nil {
		r := *i.LastRSSI
		out.LastRSSI = &r
	}
	return out
}

// NormalizeID 规范化标识符（去空白 + 小写）
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
