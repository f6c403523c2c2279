package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxSessions is the per-user session capacity; the oldest is evicted.
	MaxSessions = 3

	// continuationWindow is how long the most recent session keeps
	// absorbing new turns before a save starts a fresh session.
	continuationWindow = 24 * time.Hour
)

// Store persists bounded per-user conversation history in SQLite. All writes
// for one user are serialized through a per-user lock; different users
// proceed independently. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewStore creates a session store on db. The schema must already exist
// (see telemetry.InitDB).
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		users:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing writes for userID.
func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.users[userID] = lock
	}
	return lock
}

// LoadAll returns the user's stored sessions, most recent first.
func (s *Store) LoadAll(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created_at, last_updated FROM sessions WHERE user_id = ? ORDER BY last_updated DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	for i := range sessions {
		msgs, err := s.loadMessages(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Messages = msgs
	}
	return sessions, nil
}

// MostRecent returns the user's most recently updated session, or nil when
// none is stored.
func (s *Store) MostRecent(ctx context.Context, userID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, last_updated FROM sessions WHERE user_id = ? ORDER BY last_updated DESC LIMIT 1",
		userID,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent session: %w", err)
	}

	msgs, err := s.loadMessages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return &sess, nil
}

// Save persists messages for userID. The greeting is filtered out; if no
// user-authored message remains this is a no-op. A new session starts when
// none exists or when the most recent one is older than the continuation
// window; otherwise the most recent session's messages are replaced
// wholesale. The collection is truncated to MaxSessions.
func (s *Store) Save(ctx context.Context, userID string, messages []Message) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(ctx, userID, messages, false)
}

// Update always targets the most recent session, creating one when none
// exists. Used for mid-conversation saves where the continuation window must
// not be re-evaluated.
func (s *Store) Update(ctx context.Context, userID string, messages []Message) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(ctx, userID, messages, true)
}

func (s *Store) saveLocked(ctx context.Context, userID string, messages []Message, continueLatest bool) error {
	filtered := filterPersistable(messages)
	if filtered == nil {
		return nil
	}

	now := s.now()
	recent, err := s.mostRecentMeta(ctx, userID)
	if err != nil {
		return err
	}

	startNew := recent == nil
	if !startNew && !continueLatest && now.Sub(recent.LastUpdated) >= continuationWindow {
		startNew = true
	}

	if startNew {
		return s.insertSession(ctx, userID, filtered, now)
	}
	return s.replaceSession(ctx, recent.ID, filtered, now)
}

// Clear removes all sessions for the user.
func (s *Store) Clear(ctx context.Context, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE user_id = ?)", userID,
	); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("cleared sessions", "user", userID)
	return nil
}

// insertSession creates a fresh session at the front of the collection and
// evicts anything beyond MaxSessions.
func (s *Store) insertSession(ctx context.Context, userID string, messages []Message, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, created_at, last_updated) VALUES (?, ?, ?, ?)",
		sessionID, userID, now, now,
	); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if err := insertMessages(ctx, tx, sessionID, messages); err != nil {
		return err
	}

	// Evict the oldest sessions beyond capacity.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (
			SELECT id FROM sessions WHERE user_id = ?
			ORDER BY last_updated DESC LIMIT -1 OFFSET ?)`,
		userID, MaxSessions,
	); err != nil {
		return fmt.Errorf("failed to evict messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND id NOT IN (
			SELECT id FROM sessions WHERE user_id = ?
			ORDER BY last_updated DESC LIMIT ?)`,
		userID, userID, MaxSessions,
	); err != nil {
		return fmt.Errorf("failed to evict sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("created session", "user", userID, "session_id", sessionID, "message_count", len(messages))
	return nil
}

// replaceSession swaps the session's message list wholesale and refreshes
// last_updated. Identity and created_at are untouched.
func (s *Store) replaceSession(ctx context.Context, sessionID string, messages []Message, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := insertMessages(ctx, tx, sessionID, messages); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET last_updated = ? WHERE id = ?", now, sessionID,
	); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("updated session", "session_id", sessionID, "message_count", len(messages))
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, messages []Message) error {
	for i, msg := range messages {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (id, session_id, role, content, timestamp, position) VALUES (?, ?, ?, ?, ?, ?)",
			msg.ID, sessionID, msg.Role, msg.Content, msg.Timestamp, i,
		); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) loadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, timestamp FROM messages WHERE session_id = ? ORDER BY position",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// mostRecentMeta loads the most recent session without its messages.
func (s *Store) mostRecentMeta(ctx context.Context, userID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, last_updated FROM sessions WHERE user_id = ? ORDER BY last_updated DESC LIMIT 1",
		userID,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent session: %w", err)
	}
	return &sess, nil
}

// filterPersistable drops the greeting and reports nil when nothing
// user-authored remains.
func filterPersistable(messages []Message) []Message {
	filtered := make([]Message, 0, len(messages))
	hasUser := false
	for _, msg := range messages {
		if IsGreeting(msg) {
			continue
		}
		if msg.Role == RoleUser {
			hasUser = true
		}
		filtered = append(filtered, msg)
	}
	if !hasUser {
		return nil
	}
	return filtered
}
