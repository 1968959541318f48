package notify

import (
	"time"

	"edc-detector/internal/models"
)

// TransitionPayload 对外发布的状态变化消息
type TransitionPayload struct {
	EventID       string     `json:"event_id"`
	ItemID        string     `json:"item_id"`
	Name          string     `json:"name"`
	PreviousState string     `json:"previous_state"`
	NewState      string     `json:"new_state"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	LastLocation  *string    `json:"last_location,omitempty"`
	Timestamp     int64      `json:"timestamp"`
}

// MissingEntry 丢失清单中的一项
type MissingEntry struct {
	ItemID       string     `json:"item_id"`
	Name         string     `json:"name"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	LastLocation *string    `json:"last_location,omitempty"`
}

// MissingList edc/missing 主题的负载
type MissingList struct {
	Missing   []MissingEntry `json:"missing"`
	Timestamp int64          `json:"timestamp"`
}

// NewTransitionPayload 构建对外消息
func NewTransitionPayload(t models.Transition) TransitionPayload {
	return TransitionPayload{
		EventID:       t.EventID,
		ItemID:        t.Item.ID,
		Name:          t.Item.Name,
		PreviousState: string(t.Previous),
		NewState:      string(t.Current),
		LastSeenAt:    t.Item.LastSeenAt,
		LastLocation:  t.Item.LastLocation,
		Timestamp:     t.At.Unix(),
	}
}

// NewMissingList 构建丢失清单
func NewMissingList(items []models.Item, at time.Time) MissingList {
	out := MissingList{
		Missing:   make([]MissingEntry, 0, len(items)),
		Timestamp: at.Unix(),
	}
	for _, item := range items {
		out.Missing = append(out.Missing, MissingEntry{
			ItemID:       item.ID,
			Name:         item.Name,
			LastSeenAt:   item.LastSeenAt,
			LastLocation: item.LastLocation,
		})
	}
	return out
}
