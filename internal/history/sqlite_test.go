package history

import (
	"errors"
	"testing"
	"time"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallRecordLifecycle(t *testing.T) {
	s := openStore(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := CallRecord{
		ID:          "c1",
		CallerID:    "alice",
		RecipientID: "bob",
		CallType:    CallTypeVideo,
		Status:      StatusInitiated,
		CreatedAt:   created,
	}
	if err := s.CreateCall(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCall("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInitiated || got.CallType != CallTypeVideo {
		t.Fatalf("got %+v", got)
	}
	if got.ConnectedAt != nil || got.EndedAt != nil {
		t.Fatalf("fresh record has timestamps: %+v", got)
	}

	connected := created.Add(5 * time.Second)
	if err := s.MarkConnected("c1", connected); err != nil {
		t.Fatal(err)
	}
	ended := connected.Add(42 * time.Second)
	if err := s.FinishCall("c1", StatusEnded, ended, 42); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetCall("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("status = %s", got.Status)
	}
	if got.DurationSeconds != 42 {
		t.Fatalf("duration = %d", got.DurationSeconds)
	}
	if got.ConnectedAt == nil || !got.ConnectedAt.Equal(connected) {
		t.Fatalf("connected_at = %v", got.ConnectedAt)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("ended_at = %v", got.EndedAt)
	}
}

func TestUnknownCallID(t *testing.T) {
	s := openStore(t)

	if _, err := s.GetCall("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCall: %v", err)
	}
	if err := s.MarkConnected("nope", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkConnected: %v", err)
	}
	if err := s.FinishCall("nope", StatusFailed, time.Now(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FinishCall: %v", err)
	}
	if err := s.MarkNotificationRead("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
}

func TestListCallsNewestFirst(t *testing.T) {
	s := openStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		err := s.CreateCall(CallRecord{
			ID: id, CallerID: "alice", RecipientID: "bob",
			CallType: CallTypeAudio, Status: StatusInitiated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// A call not involving bob must not show up in his list.
	err := s.CreateCall(CallRecord{
		ID: "other", CallerID: "carol", RecipientID: "dave",
		CallType: CallTypeAudio, Status: StatusInitiated, CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListCalls("bob", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].ID != "c3" || recs[1].ID != "c2" {
		t.Fatalf("order = %s, %s", recs[0].ID, recs[1].ID)
	}
}

func TestNotifications(t *testing.T) {
	s := openStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, n := range []Notification{
		{ID: "n1", UserID: "bob", CallID: "c1", Type: NotificationIncoming, CreatedAt: now},
		{ID: "n2", UserID: "bob", CallID: "c2", Type: NotificationMissed, CreatedAt: now.Add(time.Minute)},
		{ID: "n3", UserID: "alice", CallID: "c2", Type: NotificationMissed, CreatedAt: now},
	} {
		if err := s.InsertNotification(n); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MarkNotificationRead("n1"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListNotifications("bob", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("bob has %d notifications", len(all))
	}

	unread, err := s.ListNotifications("bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].ID != "n2" {
		t.Fatalf("unread = %+v", unread)
	}
	if unread[0].Type != NotificationMissed {
		t.Fatalf("type = %s", unread[0].Type)
	}
}
