package api

import (
	"encoding/json"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/stores"
)

func newAuditEntry(action, actor, target, remote string, details map[string]interface{}) *stores.AuditEntry {
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if remote != "" {
		entry.IPAddress = &remote
	}
	if len(details) > 0 {
		if blob, err := json.Marshal(details); err == nil {
			s := string(blob)
			entry.Details = &s
		}
	}
	return entry
}
