package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/deckhand-ai/deckhand/pkg/catalog"
	"github.com/deckhand-ai/deckhand/pkg/domain"
)

// Store implements catalog.Store and catalog.RequestLogStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ catalog.Store = (*Store)(nil)
var _ catalog.RequestLogStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		server_config TEXT NOT NULL DEFAULT '{}',
		user_config_values TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS request_logs (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		mcp_session_id TEXT NOT NULL DEFAULT '',
		server_id TEXT NOT NULL,
		server_name TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		request_body TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_request_logs_server ON request_logs(server_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- catalog.Store ---

func (s *Store) Install(ctx context.Context, def *domain.ToolServerDefinition) error {
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	cfg, err := json.Marshal(def.ServerConfig)
	if err != nil {
		return fmt.Errorf("encode server config: %w", err)
	}
	userCfg, err := json.Marshal(def.UserConfigValues)
	if err != nil {
		return fmt.Errorf("encode user config values: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_servers (id, name, server_config, user_config_values, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(cfg), string(userCfg), def.CreatedAt, def.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*domain.ToolServerDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, server_config, user_config_values, created_at, updated_at
		 FROM tool_servers WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tool server not found: %s", id)
	}
	return def, err
}

func (s *Store) ListInstalled(ctx context.Context) ([]domain.ToolServerDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, server_config, user_config_values, created_at, updated_at
		 FROM tool_servers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.ToolServerDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

func (s *Store) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tool server not found: %s", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*domain.ToolServerDefinition, error) {
	def := &domain.ToolServerDefinition{}
	var cfg, userCfg string
	if err := row.Scan(&def.ID, &def.Name, &cfg, &userCfg, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &def.ServerConfig); err != nil {
		return nil, fmt.Errorf("decode server config for %s: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(userCfg), &def.UserConfigValues); err != nil {
		return nil, fmt.Errorf("decode user config values for %s: %w", def.ID, err)
	}
	return def, nil
}

// --- catalog.RequestLogStore ---

func (s *Store) Record(ctx context.Context, entry *domain.RequestLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, session_id, mcp_session_id, server_id, server_name, method,
		   request_body, response_body, status_code, error_message, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.SessionID, entry.MCPSessionID, entry.ServerID, entry.ServerName,
		entry.Method, entry.RequestBody, entry.ResponseBody, entry.StatusCode,
		entry.ErrorMessage, entry.DurationMS, entry.Timestamp,
	)
	return err
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, session_id, mcp_session_id, server_id, server_name, method,
		   request_body, response_body, status_code, error_message, duration_ms, timestamp
		 FROM request_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.RequestLog
	for rows.Next() {
		var e domain.RequestLog
		if err := rows.Scan(&e.RequestID, &e.SessionID, &e.MCPSessionID, &e.ServerID, &e.ServerName,
			&e.Method, &e.RequestBody, &e.ResponseBody, &e.StatusCode,
			&e.ErrorMessage, &e.DurationMS, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
