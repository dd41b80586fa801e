package status

import (
	"github.com/alarmbot/homewatch/internal/alarm"
	"github.com/alarmbot/homewatch/internal/health"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgHealth   MessageType = "health"
	MsgInflight MessageType = "inflight"
	MsgBatch    MessageType = "batch"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type SnapshotPayload struct {
	Health health.View              `json:"health"`
	Events map[string][]alarm.Event `json:"events"`
}

type HealthPayload struct {
	Source string       `json:"source"`
	State  health.State `json:"state"`
}

type InflightPayload struct {
	Count int `json:"count"`
}

// BatchPayload carries the full list for one source, newest first. An empty
// list means the view was reset by a reconnect.
type BatchPayload struct {
	Source string        `json:"source"`
	Events []alarm.Event `json:"events"`
}
