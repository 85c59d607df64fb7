package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

const conversationsSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	chatbot_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	messages    JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_owner_idx
	ON conversations (chatbot_id, user_id, created_at DESC);
`

// PostgresStore is the remote store of record for conversations.
type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ ConversationStore = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, c clock.Clock) *PostgresStore {
	if c == nil {
		c = clock.Real{}
	}
	return &PostgresStore{db: db, clock: c}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, conversationsSchema)
	return errors.Wrap(err, "postgres store: migrate")
}

func (s *PostgresStore) LoadCurrent(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chatbot_id, user_id, messages, created_at, updated_at
		FROM conversations
		WHERE chatbot_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, chatbotID, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreateNew(ctx, chatbotID, userID)
	}
	if err != nil {
		return Conversation{}, errors.Wrap(err, "postgres store: load current")
	}
	return conv, nil
}

func (s *PostgresStore) CreateNew(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	conv, err := newConversation(chatbotID, userID, s.clock.Now())
	if err != nil {
		return Conversation{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, chatbot_id, user_id, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, conv.ID, conv.ChatbotID, conv.UserID, "[]", conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return Conversation{}, errors.Wrap(err, "postgres store: create conversation")
	}
	return conv, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chatbot_id, user_id, messages, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, errors.Wrap(err, "postgres store: get conversation")
	}
	return conv, nil
}

func (s *PostgresStore) Save(ctx context.Context, conv Conversation) error {
	msgs, err := encodeMessages(conv.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, chatbot_id, user_id, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			messages = EXCLUDED.messages,
			updated_at = EXCLUDED.updated_at
	`, conv.ID, conv.ChatbotID, conv.UserID, msgs, conv.CreatedAt, s.clock.Now())
	return errors.Wrap(err, "postgres store: save conversation")
}

func (s *PostgresStore) Persist(ctx context.Context, conversationID string, messages []Message) error {
	msgs, err := encodeMessages(messages)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET messages = $2::jsonb, updated_at = $3
		WHERE id = $1
	`, conversationID, msgs, s.clock.Now())
	if err != nil {
		return errors.Wrap(err, "postgres store: persist messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "postgres store: persist messages")
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		conv Conversation
		raw  []byte
	)
	if err := row.Scan(&conv.ID, &conv.ChatbotID, &conv.UserID, &raw, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &conv.Messages); err != nil {
			return Conversation{}, errors.Wrap(err, "decode messages")
		}
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return conv, nil
}

// encodeMessages returns the JSON text for a JSONB column.
func encodeMessages(messages []Message) (string, error) {
	if messages == nil {
		messages = []Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return "", errors.Wrap(err, "encode messages")
	}
	return string(b), nil
}

func newConversation(chatbotID, userID string, now time.Time) (Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Conversation{}, errors.Wrap(err, "generate conversation id")
	}
	now = now.UTC()
	return Conversation{
		ID:        id.String(),
		ChatbotID: chatbotID,
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// PostgresDirectory reads chatbot descriptors maintained by the chatbot management side.
type PostgresDirectory struct {
	db *sql.DB
}

var _ ChatbotDirectory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Get(ctx context.Context, chatbotID string) (ChatbotDescriptor, error) {
	var bot ChatbotDescriptor
	err := d.db.QueryRowContext(ctx, `
		SELECT id, webhook_url, is_active, accepts_images
		FROM chatbots
		WHERE id = $1
	`, chatbotID).Scan(&bot.ID, &bot.WebhookURL, &bot.Active, &bot.AcceptsImages)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatbotDescriptor{}, ErrChatbotNotFound
	}
	if err != nil {
		return ChatbotDescriptor{}, errors.Wrap(err, "postgres directory: get chatbot")
	}
	return bot, nil
}
