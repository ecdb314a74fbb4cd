package store

import (
	"database/sql"
	"time"

	"github.com/toolbroker/toolbroker/internal/apperror"
)

// GetSessionHistory returns every tool_md5 a session has already retrieved,
// used by the retrieval engine to split search hits into known/new
// (SPEC_FULL.md §4.E).
func (s *Store) GetSessionHistory(sessionID string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT tool_md5 FROM session_tool_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "query session history")
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var md5 string
		if err := rows.Scan(&md5); err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "scan session history")
		}
		known[md5] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "iterate session history")
	}
	return known, nil
}

// IsRetrieved reports whether sessionID has already seen toolMD5.
func (s *Store) IsRetrieved(sessionID, toolMD5 string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_tool_history WHERE session_id = ? AND tool_md5 = ?`,
		sessionID, toolMD5).Scan(&n)
	if err != nil {
		return false, apperror.Wrap(apperror.Internal, err, "check retrieved")
	}
	return n > 0, nil
}

// RecordRetrieved marks a single tool as retrieved for sessionID. It is
// idempotent — re-recording the same (session_id, tool_md5) pair is a no-op.
func (s *Store) RecordRetrieved(sessionID, toolMD5, toolName string) error {
	_, err := s.db.Exec(`INSERT INTO session_tool_history (session_id, tool_md5, tool_name, retrieved_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(session_id, tool_md5) DO NOTHING`,
		sessionID, toolMD5, toolName, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "record retrieved")
	}
	return nil
}

// RecordRetrievedBatch records several tools as retrieved in one
// transaction, each insert idempotent like RecordRetrieved.
func (s *Store) RecordRetrievedBatch(sessionID string, entries []SessionHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "begin batch record tx")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO session_tool_history (session_id, tool_md5, tool_name, retrieved_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(session_id, tool_md5) DO NOTHING`)
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "prepare batch record")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		if _, err := stmt.Exec(sessionID, e.ToolMD5, e.ToolName, now); err != nil {
			return apperror.Wrap(apperror.Internal, err, "record batch entry")
		}
	}
	return tx.Commit()
}

// ClearSession deletes all history rows for sessionID.
func (s *Store) ClearSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM session_tool_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "clear session")
	}
	return nil
}

// SessionStatsFor summarizes a session's retrieval history, or
// apperror.NotFound if the session has no recorded history.
func (s *Store) SessionStatsFor(sessionID string) (SessionStats, error) {
	row := s.db.QueryRow(`SELECT COUNT(*), MIN(retrieved_at), MAX(retrieved_at)
		FROM session_tool_history WHERE session_id = ?`, sessionID)

	var count int
	var first, last sql.NullString
	if err := row.Scan(&count, &first, &last); err != nil {
		return SessionStats{}, apperror.Wrap(apperror.Internal, err, "scan session stats")
	}
	if count == 0 {
		return SessionStats{}, apperror.Newf(apperror.NotFound, "session %q has no history", sessionID)
	}

	stats := SessionStats{SessionID: sessionID, ToolCount: count}
	var err error
	stats.FirstSeen, err = time.Parse(time.RFC3339Nano, first.String)
	if err != nil {
		return SessionStats{}, apperror.Wrap(apperror.Internal, err, "parse first seen")
	}
	stats.LastSeen, err = time.Parse(time.RFC3339Nano, last.String)
	if err != nil {
		return SessionStats{}, apperror.Wrap(apperror.Internal, err, "parse last seen")
	}
	return stats, nil
}
