package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg utils.PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close(context.Context) error {
	if p == nil || p.Pool == nil {
		return nil
	}
	p.Pool.Close()
	return nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS users (",
			"    id TEXT PRIMARY KEY,",
			"    email TEXT NOT NULL UNIQUE,",
			"    name TEXT NOT NULL,",
			"    password TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id TEXT PRIMARY KEY,",
			"    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,",
			"    title TEXT NOT NULL,",
			"    last_message TEXT NOT NULL DEFAULT '',",
			"    message_count BIGINT NOT NULL DEFAULT 0,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS conversations_user_updated_idx ON conversations (user_id, updated_at DESC)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    id TEXT PRIMARY KEY,",
			"    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,",
			"    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),",
			"    content TEXT NOT NULL,",
			"    seq BIGINT NOT NULL,",
			"    timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    UNIQUE (conversation_id, seq)",
			")",
		}, "\n"),
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}

	return nil
}

func (p *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	id := uuid.NewString()
	const query = `INSERT INTO users (id, email, name, password, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.Pool.Exec(ctx, query, id, user.Email, user.Name, user.PasswordHash, user.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("postgres: insert user: %w", err)
	}

	user.ID = id
	return nil
}

func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	const query = `SELECT id, email, name, password, created_at FROM users WHERE email = $1`
	err := p.Pool.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: find user: %w", err)
	}

	return &user, nil
}

const conversationColumns = "id, user_id, title, last_message, message_count, created_at, updated_at"

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.LastMessage, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, userID, title string, at time.Time) (*models.Conversation, error) {
	query := `INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $4) RETURNING ` + conversationColumns
	conv, err := scanConversation(p.Pool.QueryRow(ctx, query, uuid.NewString(), userID, title, at))
	if err != nil {
		return nil, fmt.Errorf("postgres: insert conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) FindConversation(ctx context.Context, userID, id string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 AND user_id = $2`
	conv, err := scanConversation(p.Pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: find conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	result := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		result = append(result, *conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}

	return result, nil
}

func (p *Postgres) RenameConversation(ctx context.Context, userID, id, title string) (*models.Conversation, error) {
	query := `UPDATE conversations SET title = $3 WHERE id = $1 AND user_id = $2 RETURNING ` + conversationColumns
	conv, err := scanConversation(p.Pool.QueryRow(ctx, query, id, userID, title))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: rename conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation relies on ON DELETE CASCADE to remove the messages.
func (p *Postgres) DeleteConversation(ctx context.Context, userID, id string) error {
	tag, err := p.Pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	const query = `SELECT id, conversation_id, role, content, seq, timestamp FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`
	return p.queryMessages(ctx, query, conversationID)
}

func (p *Postgres) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	const query = `SELECT id, conversation_id, role, content, seq, timestamp FROM (
    SELECT * FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
) recent ORDER BY seq ASC`
	return p.queryMessages(ctx, query, conversationID, limit)
}

func (p *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	result := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg  models.Message
			role string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.Seq, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if msg.Role, err = models.ParseRole(role); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}

	return result, nil
}

func (p *Postgres) AppendExchange(ctx context.Context, input ExchangeInput) (*Exchange, error) {
	var exchange *Exchange

	err := pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		preview := models.PreviewFromReply(input.AssistantContent)
		query := `UPDATE conversations
SET message_count = message_count + 2, last_message = $3, updated_at = $4
WHERE id = $1 AND user_id = $2
RETURNING ` + conversationColumns
		conv, err := scanConversation(tx.QueryRow(ctx, query, input.ConversationID, input.UserID, preview, input.AssistantAt))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return fmt.Errorf("postgres: reserve message sequence: %w", err)
		}

		userMsg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        input.UserContent,
			Seq:            conv.MessageCount - 1,
			Timestamp:      input.UserAt,
		}
		assistantMsg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        input.AssistantContent,
			Seq:            conv.MessageCount,
			Timestamp:      input.AssistantAt,
		}

		const insert = `INSERT INTO messages (id, conversation_id, role, content, seq, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`
		batch := &pgx.Batch{}
		for _, msg := range []models.Message{userMsg, assistantMsg} {
			batch.Queue(insert, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Seq, msg.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert messages: %w", err)
		}

		exchange = &Exchange{Conversation: *conv, User: userMsg, Assistant: assistantMsg}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return exchange, nil
}

var _ Store = (*Postgres)(nil)
