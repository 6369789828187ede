package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps call history in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the call history database in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dir, "calls.db")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id               TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			recipient_id     TEXT NOT NULL,
			call_type        TEXT NOT NULL CHECK (call_type IN ('audio','video')),
			status           TEXT NOT NULL CHECK (status IN ('initiated','connected','ended','missed','failed')),
			created_at       DATETIME NOT NULL,
			connected_at     DATETIME,
			ended_at         DATETIME,
			duration_seconds INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_history table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_notifications (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			call_id           TEXT NOT NULL,
			notification_type TEXT NOT NULL CHECK (notification_type IN ('incoming_call','missed_call')),
			is_read           INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_notifications table: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCall(rec CallRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO call_history (id, caller_id, recipient_id, call_type, status, created_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.CallerID, rec.RecipientID, string(rec.CallType), string(rec.Status),
		rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkConnected(callID string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE call_history SET status = ?, connected_at = ? WHERE id = ?`,
		string(StatusConnected), at.UTC(), callID)
	if err != nil {
		return fmt.Errorf("mark call %s connected: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FinishCall(callID string, status Status, at time.Time, durationSeconds int) error {
	res, err := s.db.Exec(`
		UPDATE call_history SET status = ?, ended_at = ?, duration_seconds = ? WHERE id = ?`,
		string(status), at.UTC(), durationSeconds, callID)
	if err != nil {
		return fmt.Errorf("finish call %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetCall(callID string) (CallRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, caller_id, recipient_id, call_type, status, created_at, connected_at, ended_at, duration_seconds
		FROM call_history WHERE id = ?`, callID)
	rec, err := scanCall(row)
	if err == sql.ErrNoRows {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListCalls(userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, caller_id, recipient_id, call_type, status, created_at, connected_at, ended_at, duration_seconds
		FROM call_history
		WHERE caller_id = ? OR recipient_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCall(sc scanner) (CallRecord, error) {
	var rec CallRecord
	var callType, status string
	var connectedAt, endedAt sql.NullTime
	err := sc.Scan(&rec.ID, &rec.CallerID, &rec.RecipientID, &callType, &status,
		&rec.CreatedAt, &connectedAt, &endedAt, &rec.DurationSeconds)
	if err != nil {
		return CallRecord{}, err
	}
	rec.CallType = CallType(callType)
	rec.Status = Status(status)
	if connectedAt.Valid {
		t := connectedAt.Time
		rec.ConnectedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func (s *SQLiteStore) InsertNotification(n Notification) error {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO call_notifications (id, user_id, call_id, notification_type, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.CallID, string(n.Type), boolToInt(n.IsRead), created.UTC())
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkNotificationRead(notificationID string) error {
	res, err := s.db.Exec(`UPDATE call_notifications SET is_read = 1 WHERE id = ?`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", notificationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListNotifications(userID string, unreadOnly bool) ([]Notification, error) {
	q := `SELECT id, user_id, call_id, notification_type, is_read, created_at
		FROM call_notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND is_read = 0`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var typ string
		var isRead int
		if err := rows.Scan(&n.ID, &n.UserID, &n.CallID, &typ, &isRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = NotificationType(typ)
		n.IsRead = isRead != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
