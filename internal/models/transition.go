package models

import "time"

// Transition 在位状态变化（仅在 previous != current 时产生）
type Transition struct {
	EventID  string        `json:"event_id"`
	Item     Item          `json:"item"`
	Previous PresenceState `json:"previous_state"`
	Current  PresenceState `json:"new_state"`
	At       time.Time     `json:"at"`
}

// LogKind 转换对应的日志类型；Unknown -> Present 不写日志
func (t Transition) LogKind() (LogKind, bool) {
	switch {
	case t.Current == PresenceMissing:
		return LogMissing, true
	case t.Previous == PresenceMissing && t.Current == PresencePresent:
		return LogRecovered, true
	}
	return "", false
}
