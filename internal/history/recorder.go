package history

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder maps call lifecycle transitions to store writes. Store failures
// are logged and swallowed; a write error never reaches the state machine
// or reverts in-memory call state. Each call gets at most one terminal
// write — later transitions for a finished call are dropped here.
type Recorder struct {
	store Store
	now   func() time.Time

	mu        sync.Mutex
	connected map[string]time.Time
	finished  map[string]struct{}
}

// NewRecorder wraps store. The zero clock is time.Now.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:     store,
		now:       time.Now,
		connected: make(map[string]time.Time),
		finished:  make(map[string]struct{}),
	}
}

// SetClock overrides the recorder's clock. Intended for tests.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// CallInitiated inserts the initial row for a new call attempt.
func (r *Recorder) CallInitiated(callID, callerID, recipientID string, kind CallType) {
	err := r.store.CreateCall(CallRecord{
		ID:          callID,
		CallerID:    callerID,
		RecipientID: recipientID,
		CallType:    kind,
		Status:      StatusInitiated,
		CreatedAt:   r.now(),
	})
	if err != nil {
		log.Printf("HISTORY: create call %s: %v", callID, err)
	}
}

// CallConnected stamps connected_at. The timestamp is also kept in memory
// so the final duration does not depend on a store read.
func (r *Recorder) CallConnected(callID string) {
	at := r.now()
	r.mu.Lock()
	r.connected[callID] = at
	r.mu.Unlock()

	if err := r.store.MarkConnected(callID, at); err != nil {
		log.Printf("HISTORY: mark call %s connected: %v", callID, err)
	}
}

// CallFinished writes the terminal status. For calls that connected, the
// terminal status is forced to ended and the duration derived from the
// connected timestamp; missed/failed only apply to calls that never
// connected. Idempotent per call.
func (r *Recorder) CallFinished(callID string, status Status) {
	at := r.now()

	r.mu.Lock()
	if _, done := r.finished[callID]; done {
		r.mu.Unlock()
		return
	}
	r.finished[callID] = struct{}{}
	connectedAt, wasConnected := r.connected[callID]
	delete(r.connected, callID)
	r.mu.Unlock()

	duration := 0
	if wasConnected {
		status = StatusEnded
		duration = int(at.Sub(connectedAt) / time.Second)
		if duration < 0 {
			duration = 0
		}
	}

	if err := r.store.FinishCall(callID, status, at, duration); err != nil {
		log.Printf("HISTORY: finish call %s (%s): %v", callID, status, err)
	}
}

// IncomingRing inserts the incoming_call notification for the callee and
// returns its ID so it can be marked read on accept.
func (r *Recorder) IncomingRing(callID, calleeID string) string {
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    calleeID,
		CallID:    callID,
		Type:      NotificationIncoming,
		CreatedAt: r.now(),
	}
	if err := r.store.InsertNotification(n); err != nil {
		log.Printf("HISTORY: insert ring notification for %s: %v", callID, err)
	}
	return n.ID
}

// RingAnswered marks the incoming_call notification read.
func (r *Recorder) RingAnswered(notificationID string) {
	if notificationID == "" {
		return
	}
	if err := r.store.MarkNotificationRead(notificationID); err != nil {
		log.Printf("HISTORY: mark notification %s read: %v", notificationID, err)
	}
}

// CallMissed records the missed outcome on the callee side: terminal
// missed status plus a missed_call notification addressed back to the
// caller.
func (r *Recorder) CallMissed(callID, callerID string) {
	r.CallFinished(callID, StatusMissed)

	n := Notification{
		ID:        uuid.NewString(),
		UserID:    callerID,
		CallID:    callID,
		Type:      NotificationMissed,
		CreatedAt: r.now(),
	}
	if err := r.store.InsertNotification(n); err != nil {
		log.Printf("HISTORY: insert missed notification for %s: %v", callID, err)
	}
}
