package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

type dialect struct {
	driver       string
	schema       []string
	insertIgnore string
}

var sqliteDialect = dialect{
	driver: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			final TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq)`,
	},
	insertIgnore: "INSERT OR IGNORE",
}

var mysqlDialect = dialect{
	driver: DriverMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			title VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			message LONGTEXT NOT NULL,
			outcome VARCHAR(32) NOT NULL DEFAULT '',
			final LONGTEXT,
			created_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			INDEX idx_turns_session (session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			session_id VARCHAR(64) NOT NULL,
			turn_id VARCHAR(64) NOT NULL DEFAULT '',
			type VARCHAR(32) NOT NULL,
			content LONGTEXT NOT NULL,
			sender_id VARCHAR(128) NOT NULL DEFAULT '',
			tool_call_id VARCHAR(128) NOT NULL DEFAULT '',
			tool_calls LONGTEXT,
			metadata LONGTEXT,
			created_at BIGINT NOT NULL,
			INDEX idx_messages_session (session_id, seq)
		)`,
	},
	insertIgnore: "INSERT IGNORE",
}

// SQLStore records sessions, turns and messages in sqlite3 or mysql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (and creates) a sqlite database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store: path is empty")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create %s", dir)
			}
		}
	}
	db, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenMySQL connects using a go-sql-driver DSN.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mysql store: dsn is empty")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	db, err := sql.Open(DriverMySQL, cfg.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	return newSQLStore(ctx, db, mysqlDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", d.driver)
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "init %s schema", d.driver)
		}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) SaveSession(ctx context.Context, sess turns.Session) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.insertIgnore+` INTO sessions (id, title, created_at) VALUES (?, ?, ?)`,
		sess.SessionID, sess.Title, sess.CreatedAt.UnixMilli())
	return errors.Wrap(err, "insert session")
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (turns.Session, bool, error) {
	var (
		sess      turns.Session
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, title, created_at FROM sessions WHERE id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return turns.Session{}, false, nil
	}
	if err != nil {
		return turns.Session{}, false, errors.Wrap(err, "select session")
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	return sess, true, nil
}

func (s *SQLStore) StartTurn(ctx context.Context, t turns.Turn) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.insertIgnore+` INTO turns (id, session_id, message, created_at) VALUES (?, ?, ?, ?)`,
		t.TurnID, t.SessionID, t.Message, t.CreatedAt.UnixMilli())
	return errors.Wrap(err, "insert turn")
}

func (s *SQLStore) CompleteTurn(ctx context.Context, turnID string, outcome events.EventType, final string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET outcome = ?, final = ?, completed_at = ? WHERE id = ?`,
		string(outcome), final, time.Now().UnixMilli(), turnID)
	return errors.Wrap(err, "update turn")
}

func (s *SQLStore) GetTurn(ctx context.Context, turnID string) (TurnRecord, bool, error) {
	var (
		rec       TurnRecord
		final     sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, message, outcome, final, created_at, completed_at FROM turns WHERE id = ?`, turnID).
		Scan(&rec.TurnID, &rec.SessionID, &rec.Message, &rec.Outcome, &final, &createdAt, &rec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TurnRecord{}, false, nil
	}
	if err != nil {
		return TurnRecord{}, false, errors.Wrap(err, "select turn")
	}
	rec.Final = final.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	return rec, true, nil
}

// SaveMessage inserts msg once; saving the same message id again is a no-op.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *conversation.Message) error {
	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls) == 0)
	if err != nil {
		return errors.Wrap(err, "marshal tool calls")
	}
	metadata, err := marshalNullable(msg.Metadata, len(msg.Metadata) == 0)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	_, err = s.db.ExecContext(ctx,
		s.dialect.insertIgnore+` INTO messages
			(id, session_id, turn_id, type, content, sender_id, tool_call_id, tool_calls, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.TurnID, string(msg.Type), msg.Content, msg.SenderID, msg.ToolCallID,
		toolCalls, metadata, msg.Timestamp.UnixMilli())
	return errors.Wrap(err, "insert message")
}

func (s *SQLStore) GetSessionMessages(ctx context.Context, sessionID string) (conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, type, content, sender_id, tool_call_id, tool_calls, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret conversation.Conversation
	for rows.Next() {
		var (
			msg       conversation.Message
			typ       string
			toolCalls sql.NullString
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.TurnID, &typ, &msg.Content, &msg.SenderID, &msg.ToolCallID,
			&toolCalls, &metadata, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Type = conversation.MessageType(typ)
		msg.Timestamp = time.UnixMilli(createdAt)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, errors.Wrapf(err, "decode tool calls of %s", msg.ID)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, errors.Wrapf(err, "decode metadata of %s", msg.ID)
			}
		}
		ret = append(ret, &msg)
	}
	return ret, errors.Wrap(rows.Err(), "iterate messages")
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
