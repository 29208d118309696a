package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a chat does not exist or belongs to another
// user.
var ErrNotFound = errors.New("pg: not found")

// Chat is one persisted conversation.
type Chat struct {
	ID        string
	UserID    string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one persisted exchange of a conversation.
type Turn struct {
	ID             int64
	ChatID         string
	UserMessage    string
	AIMessage      string
	Model          string
	IsRegeneration bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store holds the hand-written queries for the chat schema.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateChat inserts a new conversation for the user and returns it.
func (s *Store) CreateChat(ctx context.Context, userID, model string) (Chat, error) {
	chat := Chat{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  "New Chat",
		Model:  model,
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, user_id, model)
		VALUES ($1, $2, $3)
		RETURNING title, created_at, updated_at`,
		chat.ID, chat.UserID, chat.Model)

	if err := row.Scan(&chat.Title, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// GetChat fetches one conversation scoped to its owner.
func (s *Store) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model, created_at, updated_at
		FROM chats
		WHERE id = $1 AND user_id = $2`,
		chatID, userID)

	var chat Chat
	err := row.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Model, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// UpdateChatTitle sets the conversation title.
func (s *Store) UpdateChatTitle(ctx context.Context, userID, chatID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET title = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		chatID, userID, title)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChats returns one page of the user's conversations, newest first,
// along with the total conversation count.
func (s *Store) ListChats(ctx context.Context, userID string, limit, offset int) ([]Chat, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM chats WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, model, created_at, updated_at
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Model, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, total, rows.Err()
}

// AppendTurn records a completed exchange and bumps the conversation's
// updated_at so history ordering follows activity.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO turns (chat_id, user_message, ai_message, model, is_regeneration)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		turn.ChatID, turn.UserMessage, turn.AIMessage, turn.Model, turn.IsRegeneration).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = now() WHERE id = $1`, turn.ChatID); err != nil {
		return 0, fmt.Errorf("touch chat: %w", err)
	}

	return id, tx.Commit()
}

// ListTurns returns a conversation's turns ordered by update time.
func (s *Store) ListTurns(ctx context.Context, chatID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, user_message, ai_message, model, is_regeneration, created_at, updated_at
		FROM turns
		WHERE chat_id = $1
		ORDER BY updated_at ASC, id ASC`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ChatID, &t.UserMessage, &t.AIMessage, &t.Model,
			&t.IsRegeneration, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// LogRequest records one streaming request for quota accounting.
func (s *Store) LogRequest(ctx context.Context, userID, chatID, model string, success bool) error {
	var chat any
	if chatID != "" {
		chat = chatID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_log (user_id, chat_id, model, success)
		VALUES ($1, $2, $3, $4)`,
		userID, chat, model, success)
	if err != nil {
		return fmt.Errorf("log request: %w", err)
	}
	return nil
}

// CountRequestsSince counts the user's successful requests since the given
// time.
func (s *Store) CountRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM request_log
		WHERE user_id = $1 AND success AND created_at >= $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return count, nil
}
