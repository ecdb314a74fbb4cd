package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolbroker/toolbroker/internal/apperror"
)

// CreateServer inserts a new upstream server config, generating its ID and
// timestamps. Name must be unique (spec.md §3) — a collision is surfaced as
// apperror.Conflict.
func (s *Store) CreateServer(cfg ServerConfig) (ServerConfig, error) {
	cfg.ID = uuid.NewString()
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	argsJSON, headersJSON, envJSON, err := encodeServerMaps(cfg)
	if err != nil {
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "encode server config")
	}

	_, err = s.db.Exec(`INSERT INTO mcp_servers
		(id, name, kind, url, command, args, headers, env, description, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, string(cfg.Kind), cfg.URL, cfg.Command, argsJSON, headersJSON, envJSON,
		cfg.Description, boolToInt(cfg.Enabled), cfg.CreatedAt.Format(time.RFC3339Nano), cfg.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return ServerConfig{}, apperror.Newf(apperror.Conflict, "server %q already exists", cfg.Name)
		}
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "insert server")
	}
	return cfg, nil
}

// GetServer loads one server by ID.
func (s *Store) GetServer(id string) (ServerConfig, error) {
	row := s.db.QueryRow(`SELECT id, name, kind, url, command, args, headers, env, description, enabled, created_at, updated_at
		FROM mcp_servers WHERE id = ?`, id)
	cfg, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerConfig{}, apperror.Newf(apperror.NotFound, "server %q not found", id)
	}
	if err != nil {
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "scan server")
	}
	return cfg, nil
}

// GetServerByName loads one server by its unique name.
func (s *Store) GetServerByName(name string) (ServerConfig, error) {
	row := s.db.QueryRow(`SELECT id, name, kind, url, command, args, headers, env, description, enabled, created_at, updated_at
		FROM mcp_servers WHERE name = ?`, name)
	cfg, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerConfig{}, apperror.Newf(apperror.NotFound, "server %q not found", name)
	}
	if err != nil {
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "scan server")
	}
	return cfg, nil
}

// ListServers returns a filtered, paginated view of mcp_servers, newest
// first.
func (s *Store) ListServers(filter ServerFilter, page Page) ([]ServerConfig, PageResult, error) {
	if page.Page <= 0 {
		page.Page = 1
	}
	if page.Limit <= 0 {
		page.Limit = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	if filter.Enabled != nil {
		where += " AND enabled = ?"
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.ServerType != "" {
		where += " AND kind = ?"
		args = append(args, string(filter.ServerType))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM mcp_servers " + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, PageResult{}, apperror.Wrap(apperror.Internal, err, "count servers")
	}

	offset := (page.Page - 1) * page.Limit
	listQuery := fmt.Sprintf(`SELECT id, name, kind, url, command, args, headers, env, description, enabled, created_at, updated_at
		FROM mcp_servers %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)
	rows, err := s.db.Query(listQuery, append(args, page.Limit, offset)...)
	if err != nil {
		return nil, PageResult{}, apperror.Wrap(apperror.Internal, err, "list servers")
	}
	defer rows.Close()

	var out []ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, PageResult{}, apperror.Wrap(apperror.Internal, err, "scan server row")
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, PageResult{}, apperror.Wrap(apperror.Internal, err, "iterate servers")
	}

	totalPages := (total + page.Limit - 1) / page.Limit
	return out, PageResult{Page: page.Page, Limit: page.Limit, Total: total, TotalPages: totalPages}, nil
}

// CountServers reports how many rows currently exist, used to decide
// whether a bootstrap seed file should be applied (SPEC_FULL.md §6).
func (s *Store) CountServers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM mcp_servers`).Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "count servers")
	}
	return n, nil
}

// UpdateServer overwrites the mutable fields of an existing server, bumping
// updated_at.
func (s *Store) UpdateServer(cfg ServerConfig) (ServerConfig, error) {
	cfg.UpdatedAt = time.Now().UTC()
	argsJSON, headersJSON, envJSON, err := encodeServerMaps(cfg)
	if err != nil {
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "encode server config")
	}

	res, err := s.db.Exec(`UPDATE mcp_servers SET
		name = ?, kind = ?, url = ?, command = ?, args = ?, headers = ?, env = ?,
		description = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, string(cfg.Kind), cfg.URL, cfg.Command, argsJSON, headersJSON, envJSON,
		cfg.Description, boolToInt(cfg.Enabled), cfg.UpdatedAt.Format(time.RFC3339Nano), cfg.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ServerConfig{}, apperror.Newf(apperror.Conflict, "server %q already exists", cfg.Name)
		}
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "update server")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ServerConfig{}, apperror.Wrap(apperror.Internal, err, "rows affected")
	}
	if n == 0 {
		return ServerConfig{}, apperror.Newf(apperror.NotFound, "server %q not found", cfg.ID)
	}
	return cfg, nil
}

// SetServerEnabled toggles a server's enabled flag without touching any
// other field.
func (s *Store) SetServerEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE mcp_servers SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "toggle server")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "rows affected")
	}
	if n == 0 {
		return apperror.Newf(apperror.NotFound, "server %q not found", id)
	}
	return nil
}

// DeleteServer removes a server row by ID.
func (s *Store) DeleteServer(id string) error {
	res, err := s.db.Exec(`DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "delete server")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "rows affected")
	}
	if n == 0 {
		return apperror.Newf(apperror.NotFound, "server %q not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (ServerConfig, error) {
	var cfg ServerConfig
	var kind, argsJSON, headersJSON, envJSON, createdAt, updatedAt string
	var enabled int
	if err := row.Scan(&cfg.ID, &cfg.Name, &kind, &cfg.URL, &cfg.Command, &argsJSON, &headersJSON, &envJSON,
		&cfg.Description, &enabled, &createdAt, &updatedAt); err != nil {
		return ServerConfig{}, err
	}
	cfg.Kind = ServerKind(kind)
	cfg.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(argsJSON), &cfg.Args); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &cfg.Headers); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal headers: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &cfg.Env); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal env: %w", err)
	}
	var err error
	cfg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func encodeServerMaps(cfg ServerConfig) (argsJSON, headersJSON, envJSON string, err error) {
	if cfg.Args == nil {
		cfg.Args = []string{}
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	a, err := json.Marshal(cfg.Args)
	if err != nil {
		return "", "", "", err
	}
	h, err := json.Marshal(cfg.Headers)
	if err != nil {
		return "", "", "", err
	}
	e, err := json.Marshal(cfg.Env)
	if err != nil {
		return "", "", "", err
	}
	return string(a), string(h), string(e), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
