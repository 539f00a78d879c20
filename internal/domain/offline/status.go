package offline

import "time"

// SyncStatus is a derived view of the engine state. It is never persisted.
type SyncStatus struct {
	IsOnline       bool       `json:"isOnline"`
	LastFullSyncAt *time.Time `json:"lastFullSyncAt"`
	QueueDepth     int        `json:"queueDepth"`
	DeadLetters    int        `json:"deadLetters"`
	DeviceID       string     `json:"deviceId"`
	Transport      string     `json:"transport"`
	Ready          bool       `json:"ready"`
}
