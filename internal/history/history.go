// Package history persists call attempts and call notifications. The call
// core only ever creates a record and updates it at most twice more; rows
// are never deleted here.
package history

import (
	"errors"
	"time"
)

// CallType mirrors the session's media kind.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Status is the persisted lifecycle status of a call attempt.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusMissed    Status = "missed"
	StatusFailed    Status = "failed"
)

// CallRecord is one durable call attempt. ID doubles as the signaling
// topic key.
type CallRecord struct {
	ID              string
	CallerID        string
	RecipientID     string
	CallType        CallType
	Status          Status
	CreatedAt       time.Time
	ConnectedAt     *time.Time
	EndedAt         *time.Time
	DurationSeconds int
}

// NotificationType distinguishes ring notifications from missed-call ones.
type NotificationType string

const (
	NotificationIncoming NotificationType = "incoming_call"
	NotificationMissed   NotificationType = "missed_call"
)

// Notification is one row in call_notifications, addressed to a single user.
type Notification struct {
	ID        string
	UserID    string
	CallID    string
	Type      NotificationType
	IsRead    bool
	CreatedAt time.Time
}

// ErrNotFound is returned when a call or notification ID is unknown.
var ErrNotFound = errors.New("history: not found")

// Store is the call record store boundary. The engine behind it is
// external to the call core; SQLiteStore is the bundled implementation.
type Store interface {
	CreateCall(rec CallRecord) error
	MarkConnected(callID string, at time.Time) error
	// FinishCall sets the terminal status. Duration is in whole seconds,
	// zero for calls that never connected.
	FinishCall(callID string, status Status, at time.Time, durationSeconds int) error
	GetCall(callID string) (CallRecord, error)
	// ListCalls returns the most recent attempts involving userID as
	// caller or recipient, newest first.
	ListCalls(userID string, limit int) ([]CallRecord, error)

	InsertNotification(n Notification) error
	MarkNotificationRead(notificationID string) error
	ListNotifications(userID string, unreadOnly bool) ([]Notification, error)

	Close() error
}
