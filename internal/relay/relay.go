// Package relay carries notifications from the relay API out to the chat
// transport and operator replies back into the session store. It owns all
// transport flakiness concerns (allow-list, rate limit, retries, dedup)
// so the store's state machine stays free of network I/O.
package relay

import (
	"errors"
	"fmt"
)

// ErrNotAllowed is returned when no allowed destination chat is configured.
var ErrNotAllowed = errors.New("no allowed destination chat")

// DeliveryError wraps a transport-level send failure. The relay API turns
// it into an ok:false response and leaves the session pending; notify-level
// retry belongs to the hook client.
type DeliveryError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver session %s: %d attempt(s) failed: %v", e.SessionID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notification statuses accepted on /notify.
const (
	StatusCompleted  = "completed"
	StatusPermission = "permission"
	StatusIdle       = "idle"
)

// ValidStatus reports whether s is one of the accepted notify statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusPermission, StatusIdle:
		return true
	}
	return false
}
