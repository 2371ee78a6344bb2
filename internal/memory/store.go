package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

const component = "memory"

// Store is the durable, crash-safe persistence layer for conversations,
// messages, tasks, and model-performance rows, with cosine-similarity
// semantic search over caller-supplied embeddings.
//
// The store exposes at-most-one-writer concurrency: all mutating
// operations take writeMu, so callers may invoke concurrently from many
// goroutines without observing a half-applied message append.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
	enc     *cipher
}

// Config configures a Store.
type Config struct {
	// Path is the sqlite file path, e.g. "<data-dir>/memory.db".
	Path string
	// Passphrase enables at-rest encryption of message content when
	// non-empty; task results are not encrypted. See encryption.go.
	Passphrase string
	// Logger receives diagnostic events; defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the sqlite-backed store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New(errs.Backend, component, "open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers

	enc, err := openEncryption(cfg.Path, cfg.Passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: cfg.Logger.With("component", component), enc: enc}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			embedding BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content BLOB NOT NULL,
			metadata TEXT,
			embedding BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			completed_at INTEGER,
			result TEXT,
			metrics TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS model_performance (
			id TEXT PRIMARY KEY,
			model_name TEXT NOT NULL,
			request_timestamp INTEGER NOT NULL,
			response_time_ms INTEGER NOT NULL,
			token_count INTEGER NOT NULL,
			compute_cost REAL NOT NULL,
			task_type TEXT NOT NULL,
			outcome TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_model_ts ON model_performance(model_name, request_timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.New(errs.Backend, component, "migrate", err)
		}
	}
	return nil
}

func newID() string {
	return uuid.New().String()
}

// CreateConversation allocates a new conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, title string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := newID()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", errs.New(errs.Backend, component, "create_conversation", err)
	}
	return id, nil
}

// AppendMessage atomically inserts a message and bumps the parent
// conversation's updated_at. Fails with NotFound if the conversation is
// missing.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string, metadata map[string]any) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.New(errs.Backend, component, "append_message", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return "", errs.New(errs.NotFound, component, "append_message", fmt.Errorf("conversation %s not found", conversationID))
		}
		return "", errs.New(errs.Backend, component, "append_message", err)
	}

	id := newID()
	now := time.Now().UTC()
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return "", errs.New(errs.BadArgs, component, "append_message", err)
	}
	sealed, err := s.enc.seal(content)
	if err != nil {
		return "", errs.New(errs.BadKey, component, "append_message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, conversationID, string(role), sealed, metaJSON, now.UnixNano()); err != nil {
		return "", errs.New(errs.Backend, component, "append_message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.UnixNano(), conversationID); err != nil {
		return "", errs.New(errs.Backend, component, "append_message", err)
	}

	if err := tx.Commit(); err != nil {
		return "", errs.New(errs.Backend, component, "append_message", err)
	}
	return id, nil
}

// GetConversationWithMessages returns the conversation and its most recent
// limit messages, oldest first. limit <= 0 means unlimited.
func (s *Store) GetConversationWithMessages(ctx context.Context, conversationID string, limit int) (*ConversationWithMessages, error) {
	var conv Conversation
	var createdNs, updatedNs int64
	row := s.db.QueryRowContext(ctx, `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, conversationID)
	if err := row.Scan(&conv.ID, &conv.Title, &createdNs, &updatedNs); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, component, "get_conversation_with_messages", fmt.Errorf("conversation %s not found", conversationID))
		}
		return nil, errs.New(errs.Backend, component, "get_conversation_with_messages", err)
	}
	conv.CreatedAt = time.Unix(0, createdNs).UTC()
	conv.UpdatedAt = time.Unix(0, updatedNs).UTC()

	query := `SELECT id, role, content, metadata, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Backend, component, "get_conversation_with_messages", err)
	}
	defer rows.Close()

	var descending []Message
	for rows.Next() {
		var m Message
		var metaJSON sql.NullString
		var createdAtNs int64
		var sealed []byte
		if err := rows.Scan(&m.ID, &m.Role, &sealed, &metaJSON, &createdAtNs); err != nil {
			return nil, errs.New(errs.Backend, component, "get_conversation_with_messages", err)
		}
		content, err := s.enc.open(sealed)
		if err != nil {
			return nil, err
		}
		m.Content = content
		m.ConversationID = conversationID
		m.CreatedAt = time.Unix(0, createdAtNs).UTC()
		if metaJSON.Valid {
			m.Metadata, _ = unmarshalJSON(metaJSON.String)
		}
		descending = append(descending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Backend, component, "get_conversation_with_messages", err)
	}

	messages := make([]Message, len(descending))
	for i, m := range descending {
		messages[len(descending)-1-i] = m
	}

	return &ConversationWithMessages{Conversation: conv, Messages: messages}, nil
}
