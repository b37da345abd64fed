package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session statuses. Ended is terminal and write-once.
const (
	SessionStatusCreated = "created"
	SessionStatusRunning = "running"
	SessionStatusEnded   = "ended"
)

// Session is the persisted conversation session, 1:1 with a transaction.
type Session struct {
	TransactionID    string     `json:"transaction_id"`
	SpaceID          string     `json:"space_id,omitempty"`
	ThreadID         string     `json:"thread_id,omitempty"`
	Status           string     `json:"status"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
	MessageCount     int64      `json:"message_count"`
	ParticipantsJSON string     `json:"participants"`
	MetadataJSON     string     `json:"metadata"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Ended reports whether the session has reached its terminal state.
func (s *Session) Ended() bool { return s.Status == SessionStatusEnded }

// Bound reports whether the session has both space coordinates attached.
func (s *Session) Bound() bool { return s.SpaceID != "" && s.ThreadID != "" }

const sessionColumns = `transaction_id, space_id, thread_id, status, start_at, end_at,
	end_reason, message_count, participants_json, metadata_json, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var spaceID, threadID, endReason sql.NullString
	var startAt, endAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.TransactionID, &spaceID, &threadID, &sess.Status,
		&startAt, &endAt, &endReason, &sess.MessageCount,
		&sess.ParticipantsJSON, &sess.MetadataJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.SpaceID = spaceID.String
	sess.ThreadID = threadID.String
	sess.EndReason = endReason.String
	if startAt.Valid {
		sess.StartAt = time.Unix(startAt.Int64, 0).UTC()
	}
	if endAt.Valid {
		t := time.Unix(endAt.Int64, 0).UTC()
		sess.EndAt = &t
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sess, nil
}

// CreateSession inserts a session placeholder in created state. Metadata and
// participants are captured at creation time only; later idempotent calls
// never overwrite them.
func (s *Store) CreateSession(ctx context.Context, transactionID, participantsJSON, metadataJSON string) (*Session, error) {
	now := nowUnix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			transaction_id, status, start_at, participants_json, metadata_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transactionID, SessionStatusCreated, now, participantsJSON, metadataJSON, now, now,
	)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, transactionID)
}

// GetSession fetches a session by transaction id.
func (s *Store) GetSession(ctx context.Context, transactionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE transaction_id = ?`, transactionID)
	return scanSession(row)
}

// GetRunningSessionByThread resolves an inbound message event to the running
// session bound to its sub-thread, if any.
func (s *Store) GetRunningSessionByThread(ctx context.Context, threadID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE thread_id = ? AND status = ? LIMIT 1`,
		threadID, SessionStatusRunning)
	return scanSession(row)
}

// BindSpace attaches the conversation space coordinates and moves the session
// to running. Refused once the session has ended.
func (s *Store) BindSpace(ctx context.Context, transactionID, spaceID, threadID string) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET space_id = ?, thread_id = ?, status = ?, updated_at = ?
		WHERE transaction_id = ? AND status != ?`,
		spaceID, threadID, SessionStatusRunning, nowUnix(), transactionID, SessionStatusEnded,
	)
	if err != nil {
		return nil, fmt.Errorf("bind session space: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.explainSessionUpdateMiss(ctx, transactionID)
	}
	return s.GetSession(ctx, transactionID)
}

// EndSession transitions the session to its terminal state. The WHERE clause
// excludes already-ended rows, making end write-once: ending twice leaves the
// original end reason untouched and returns ErrSessionEnded.
func (s *Store) EndSession(ctx context.Context, transactionID, reason string) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, end_at = ?, end_reason = ?, updated_at = ?
		WHERE transaction_id = ? AND status != ?`,
		SessionStatusEnded, nowUnix(), reason, nowUnix(), transactionID, SessionStatusEnded,
	)
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.explainSessionUpdateMiss(ctx, transactionID)
	}
	return s.GetSession(ctx, transactionID)
}

// IncrementMessageCount bumps the relayed-message counter.
func (s *Store) IncrementMessageCount(ctx context.Context, transactionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1, updated_at = ?
		WHERE transaction_id = ?`,
		nowUnix(), transactionID,
	)
	if err != nil {
		return fmt.Errorf("increment message count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// explainSessionUpdateMiss distinguishes "no such session" from "session
// already ended" after a qualified UPDATE matched nothing.
func (s *Store) explainSessionUpdateMiss(ctx context.Context, transactionID string) error {
	existing, err := s.GetSession(ctx, transactionID)
	if err != nil {
		return err
	}
	if existing.Ended() {
		return ErrSessionEnded
	}
	return fmt.Errorf("session update matched no rows: transaction_id=%s", transactionID)
}
