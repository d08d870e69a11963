// Package postgres implements the backend contract over PostgreSQL: the
// query surface on a pgx pool, and the change feed on LISTEN/NOTIFY fed by
// row triggers (see schema.sql).
package postgres

import (
	"context"

	"chat-core/internal/backend"
	"chat-core/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// typingStaleness is the server-side cutoff for typing rows; anything older
// is treated as stopped even if the client never said so.
const typingStaleness = "10 seconds"

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ backend.Querier = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `
		SELECT c.id, c.type, c.name, c.avatar_url, c.created_at, c.updated_at, c.last_message_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.left_at IS NULL
		ORDER BY c.last_message_at DESC NULLS LAST, c.id
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	defer rows.Close()

	var convs []models.Conversation
	var ids []string
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		convs = append(convs, c)
		ids = append(ids, c.ID)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "query conversations")
	}
	if len(convs) == 0 {
		return convs, nil
	}

	participants, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	lastMessages, err := s.lastMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	unread, err := s.unreadCounts(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Participants = participants[convs[i].ID]
		convs[i].LastMessage = lastMessages[convs[i].ID]
		convs[i].UnreadCount = unread[convs[i].ID]
	}
	return convs, nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, type, name, avatar_url, created_at, updated_at, last_message_at
		FROM conversations WHERE id = $1
	`
	var c models.Conversation
	err := s.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt)
	if err == pgx.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query conversation")
	}

	participants, err := s.participants(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Participants = participants[c.ID]

	lastMessages, err := s.lastMessages(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.LastMessage = lastMessages[c.ID]
	return &c, nil
}

const messageColumns = `id, conversation_id, sender_id, content, message_type,
	media_url, media_thumbnail_url, file_name, file_size, duration,
	reply_to_id, created_at, updated_at, deleted_at`

func (s *Store) Messages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	var rows pgx.Rows
	var err error
	if beforeID == "" {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1 AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		rows, err = s.pool.Query(ctx, query, conversationID, limit)
	} else {
		// Strict tuple comparison pages past the cursor message even when
		// neighbouring rows share a timestamp.
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1 AND deleted_at IS NULL
			  AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`
		rows, err = s.pool.Query(ctx, query, conversationID, beforeID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, errors.Wrap(rows.Err(), "query messages")
}

// Message fetches one row by id regardless of deletion state. Used by the
// change feed to hydrate insert notifications.
func (s *Store) Message(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	m, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	return m, err
}

func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID string, draft models.Draft) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin insert message")
	}
	defer tx.Rollback(ctx)

	m := &models.Message{
		ConversationID:    conversationID,
		SenderID:          senderID,
		Content:           draft.Content,
		MessageType:       draft.MessageType,
		MediaURL:          draft.MediaURL,
		MediaThumbnailURL: draft.MediaThumbnailURL,
		FileName:          draft.FileName,
		FileSize:          draft.FileSize,
		Duration:          draft.Duration,
		ReplyToID:         draft.ReplyToID,
	}
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, message_type,
			media_url, media_thumbnail_url, file_name, file_size, duration, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		conversationID, senderID, draft.Content, draft.MessageType,
		draft.MediaURL, draft.MediaThumbnailURL, draft.FileName, draft.FileSize,
		draft.Duration, draft.ReplyToID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2, updated_at = now() WHERE id = $1`,
		conversationID, m.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "bump conversation")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit insert message")
	}
	return m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, messageID string, patch models.MessagePatch) error {
	query := `
		UPDATE messages
		SET content = COALESCE($2, content),
		    deleted_at = COALESCE($3, deleted_at),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, messageID, patch.Content, patch.DeletedAt)
	if err != nil {
		return errors.Wrap(err, "update message")
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNotFound
	}
	return nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	query := `
		INSERT INTO read_positions (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET last_read_at = now()
	`
	_, err := s.pool.Exec(ctx, query, conversationID, userID)
	return errors.Wrap(err, "mark read")
}

func (s *Store) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	query := `
		INSERT INTO typing_indicators (conversation_id, user_id, is_typing, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET is_typing = $3, updated_at = now()
	`
	_, err := s.pool.Exec(ctx, query, conversationID, userID, isTyping)
	return errors.Wrap(err, "set typing")
}

func (s *Store) TypingUsers(ctx context.Context, conversationID string) ([]models.TypingIndicator, error) {
	query := `
		SELECT t.conversation_id, t.user_id, p.username, t.updated_at
		FROM typing_indicators t
		LEFT JOIN conversation_participants p
		  ON p.conversation_id = t.conversation_id AND p.user_id = t.user_id
		WHERE t.conversation_id = $1
		  AND t.is_typing
		  AND t.updated_at > now() - interval '` + typingStaleness + `'
		ORDER BY t.user_id
	`
	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "query typing users")
	}
	defer rows.Close()

	var out []models.TypingIndicator
	for rows.Next() {
		var t models.TypingIndicator
		if err := rows.Scan(&t.ConversationID, &t.UserID, &t.Username, &t.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan typing user")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "query typing users")
}

func (s *Store) participants(ctx context.Context, conversationIDs []string) (map[string][]models.Participant, error) {
	query := `
		SELECT conversation_id, user_id, username, avatar_url, joined_at, left_at
		FROM conversation_participants
		WHERE conversation_id = ANY($1) AND left_at IS NULL
		ORDER BY joined_at
	`
	rows, err := s.pool.Query(ctx, query, conversationIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query participants")
	}
	defer rows.Close()

	out := make(map[string][]models.Participant)
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Username, &p.AvatarURL, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		out[p.ConversationID] = append(out[p.ConversationID], p)
	}
	return out, errors.Wrap(rows.Err(), "query participants")
}

func (s *Store) lastMessages(ctx context.Context, conversationIDs []string) (map[string]*models.Message, error) {
	query := `
		SELECT DISTINCT ON (conversation_id) ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ANY($1) AND deleted_at IS NULL
		ORDER BY conversation_id, created_at DESC, id DESC
	`
	rows, err := s.pool.Query(ctx, query, conversationIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query last messages")
	}
	defer rows.Close()

	out := make(map[string]*models.Message)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out[m.ConversationID] = m
	}
	return out, errors.Wrap(rows.Err(), "query last messages")
}

func (s *Store) unreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	query := `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		LEFT JOIN read_positions r
		  ON r.conversation_id = m.conversation_id AND r.user_id = $1
		WHERE m.conversation_id = ANY($2)
		  AND m.sender_id <> $1
		  AND m.deleted_at IS NULL
		  AND (r.last_read_at IS NULL OR m.created_at > r.last_read_at)
		GROUP BY m.conversation_id
	`
	rows, err := s.pool.Query(ctx, query, userID, conversationIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query unread counts")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.Wrap(err, "scan unread count")
		}
		out[id] = n
	}
	return out, errors.Wrap(rows.Err(), "query unread counts")
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MessageType,
		&m.MediaURL, &m.MediaThumbnailURL, &m.FileName, &m.FileSize, &m.Duration,
		&m.ReplyToID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	return &m, nil
}
