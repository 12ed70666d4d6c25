package proxy

import (
	"sync"
	"time"
)

// RecoveryAction identifies one rung of the escalation ladder.
type RecoveryAction string

const (
	ActionContainerStart   RecoveryAction = "CONTAINER_START"
	ActionServiceRestart   RecoveryAction = "SERVICE_RESTART"
	ActionContainerRestart RecoveryAction = "CONTAINER_RESTART"
)

// RecoveryRecord is one attempted recovery action.
type RecoveryRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Attempt   int            `json:"attempt"`
	Action    RecoveryAction `json:"action"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
}

// recoveryHistoryLimit bounds the ring buffer.
const recoveryHistoryLimit = 100

// RecoveryHistory is a bounded ring of recovery records.
type RecoveryHistory struct {
	mu      sync.Mutex
	records []RecoveryRecord
}

// Append adds a record, evicting the oldest past the limit.
func (h *RecoveryHistory) Append(rec RecoveryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, rec)
	if len(h.records) > recoveryHistoryLimit {
		h.records = h.records[len(h.records)-recoveryHistoryLimit:]
	}
}

// Snapshot returns a copy of the records, oldest first.
func (h *RecoveryHistory) Snapshot() []RecoveryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RecoveryRecord, len(h.records))
	copy(out, h.records)
	return out
}
