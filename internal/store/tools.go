package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/toolbroker/toolbroker/internal/apperror"
)

// writeMu serializes every tool write (upsert, delete, clear). The
// existence lookup and insert inside UpsertToolWithVector run under it, so
// two concurrent indexers cannot double-insert the same (tool_md5,
// model_name). The indexer's near-duplicate search runs before the lock is
// taken and is not covered by it.
var writeMu sync.Mutex

// encodeFloat32Slice packs a vector into the little-endian byte blob vec0
// expects, following theRebelliousNerd/codenerd's internal/store encoding.
func encodeFloat32Slice(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UpsertToolWithVector inserts a new ToolRecord plus its embedding, or
// updates the description/embedding of an existing (tool_md5, model_name)
// pair. It returns the row's persisted ID.
func (s *Store) UpsertToolWithVector(rec ToolRecord, vec []float32) (int64, error) {
	if len(vec) != s.dim {
		return 0, apperror.Newf(apperror.Shape, "embedding has %d dims, store expects %d", len(vec), s.dim)
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "begin upsert tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var id int64
	err = tx.QueryRow(`SELECT id FROM tool_vectors WHERE tool_md5 = ? AND model_name = ?`,
		rec.ToolMD5, rec.ModelName).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, insErr := tx.Exec(`INSERT INTO tool_vectors (tool_md5, model_name, display_name, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, rec.ToolMD5, rec.ModelName, rec.DisplayName, rec.Description, now, now)
		if insErr != nil {
			return 0, apperror.Wrap(apperror.Internal, insErr, "insert tool_vectors")
		}
		id, insErr = res.LastInsertId()
		if insErr != nil {
			return 0, apperror.Wrap(apperror.Internal, insErr, "last insert id")
		}
		blob, encErr := encodeFloat32Slice(vec)
		if encErr != nil {
			return 0, apperror.Wrap(apperror.Internal, encErr, "encode embedding")
		}
		var vecRowID int64
		vecRowID, insErr = insertEmbedding(tx, blob)
		if insErr != nil {
			return 0, insErr
		}
		if _, insErr = tx.Exec(`INSERT INTO tool_mapping (vec_rowid, tool_id) VALUES (?, ?)`, vecRowID, id); insErr != nil {
			return 0, apperror.Wrap(apperror.Internal, insErr, "insert tool_mapping")
		}
	case err != nil:
		return 0, apperror.Wrap(apperror.Internal, err, "lookup tool_vectors")
	default:
		if _, updErr := tx.Exec(`UPDATE tool_vectors SET display_name = ?, description = ?, updated_at = ? WHERE id = ?`,
			rec.DisplayName, rec.Description, now, id); updErr != nil {
			return 0, apperror.Wrap(apperror.Internal, updErr, "update tool_vectors")
		}
		var vecRowID int64
		if lookErr := tx.QueryRow(`SELECT vec_rowid FROM tool_mapping WHERE tool_id = ?`, id).Scan(&vecRowID); lookErr != nil {
			return 0, apperror.Wrap(apperror.Internal, lookErr, "lookup tool_mapping")
		}
		blob, encErr := encodeFloat32Slice(vec)
		if encErr != nil {
			return 0, apperror.Wrap(apperror.Internal, encErr, "encode embedding")
		}
		if _, updErr := tx.Exec(`UPDATE vec_tool_embeddings SET embedding = ? WHERE rowid = ?`, blob, vecRowID); updErr != nil {
			return 0, apperror.Wrap(apperror.Internal, updErr, "update vec_tool_embeddings")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "commit upsert tx")
	}
	return id, nil
}

func insertEmbedding(tx *sql.Tx, blob []byte) (int64, error) {
	res, err := tx.Exec(`INSERT INTO vec_tool_embeddings (embedding) VALUES (?)`, blob)
	if err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "insert vec_tool_embeddings")
	}
	return res.LastInsertId()
}

// DeleteToolByMD5 removes a tool's metadata, embedding, and mapping row for
// a given model_name.
func (s *Store) DeleteToolByMD5(toolMD5, modelName string) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "begin delete tx")
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`SELECT id FROM tool_vectors WHERE tool_md5 = ? AND model_name = ?`, toolMD5, modelName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.Newf(apperror.NotFound, "tool %q not indexed", toolMD5)
	}
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "lookup tool_vectors")
	}

	var vecRowID int64
	if err := tx.QueryRow(`SELECT vec_rowid FROM tool_mapping WHERE tool_id = ?`, id).Scan(&vecRowID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperror.Wrap(apperror.Internal, err, "lookup tool_mapping")
	}
	if _, err := tx.Exec(`DELETE FROM tool_mapping WHERE tool_id = ?`, id); err != nil {
		return apperror.Wrap(apperror.Internal, err, "delete tool_mapping")
	}
	if _, err := tx.Exec(`DELETE FROM vec_tool_embeddings WHERE rowid = ?`, vecRowID); err != nil {
		return apperror.Wrap(apperror.Internal, err, "delete vec_tool_embeddings")
	}
	if _, err := tx.Exec(`DELETE FROM tool_vectors WHERE id = ?`, id); err != nil {
		return apperror.Wrap(apperror.Internal, err, "delete tool_vectors")
	}
	return tx.Commit()
}

// ClearIndex removes every tool indexed under modelName, used when an
// operator switches embedding models and the old vectors are no longer
// comparable (SPEC_FULL.md §4.C).
func (s *Store) ClearIndex(modelName string) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	rows, err := s.db.Query(`SELECT tv.id, tm.vec_rowid FROM tool_vectors tv
		JOIN tool_mapping tm ON tm.tool_id = tv.id WHERE tv.model_name = ?`, modelName)
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "list tools for model")
	}
	var ids, vecRowIDs []int64
	for rows.Next() {
		var id, vecRowID int64
		if err := rows.Scan(&id, &vecRowID); err != nil {
			rows.Close()
			return apperror.Wrap(apperror.Internal, err, "scan tool id")
		}
		ids = append(ids, id)
		vecRowIDs = append(vecRowIDs, vecRowID)
	}
	rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "begin clear tx")
	}
	defer tx.Rollback()
	for i, id := range ids {
		if _, err := tx.Exec(`DELETE FROM tool_mapping WHERE tool_id = ?`, id); err != nil {
			return apperror.Wrap(apperror.Internal, err, "delete tool_mapping")
		}
		if _, err := tx.Exec(`DELETE FROM vec_tool_embeddings WHERE rowid = ?`, vecRowIDs[i]); err != nil {
			return apperror.Wrap(apperror.Internal, err, "delete vec_tool_embeddings")
		}
	}
	if _, err := tx.Exec(`DELETE FROM tool_vectors WHERE model_name = ?`, modelName); err != nil {
		return apperror.Wrap(apperror.Internal, err, "delete tool_vectors")
	}
	return tx.Commit()
}

// SearchSimilar returns the topK nearest tools to query by cosine distance,
// restricted to modelName and (if non-empty) a set of display_name prefixes
// corresponding to currently live servers. Ties break on tool_id ascending
// for deterministic ordering (SPEC_FULL.md §4.A).
func (s *Store) SearchSimilar(query []float32, modelName string, topK int, serverPrefixes []string) ([]SimilarTool, error) {
	if len(query) != s.dim {
		return nil, apperror.Newf(apperror.Shape, "query embedding has %d dims, store expects %d", len(query), s.dim)
	}
	blob, err := encodeFloat32Slice(query)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "encode query embedding")
	}
	if topK <= 0 {
		topK = 5
	}

	// server_prefixes filtering happens in Go, not via SQL LIKE: SQLite's
	// LIKE treats "_" as a single-character wildcard, so a literal
	// "{prefix}__%" pattern would also match an unrelated server whose name
	// happens to extend the prefix (e.g. prefix "a" colliding with server
	// "aa"). We instead pull every candidate within the model and filter by
	// exact Go-side prefix match before truncating to topK.
	sqlQuery := `SELECT tv.id, tv.tool_md5, tv.display_name, tv.description, tv.created_at,
			vec_distance_cosine(ve.embedding, ?) AS distance
		FROM vec_tool_embeddings ve
		JOIN tool_mapping tm ON tm.vec_rowid = ve.rowid
		JOIN tool_vectors tv ON tv.id = tm.tool_id
		WHERE tv.model_name = ?
		ORDER BY distance ASC, tv.id ASC`

	rows, err := s.db.Query(sqlQuery, blob, modelName)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "search similar")
	}
	defer rows.Close()

	prefixes := make([]string, len(serverPrefixes))
	for i, p := range serverPrefixes {
		prefixes[i] = p + "__"
	}

	var out []SimilarTool
	for rows.Next() {
		var hit SimilarTool
		var createdAt string
		if err := rows.Scan(&hit.ToolID, &hit.ToolMD5, &hit.DisplayName, &hit.Description, &createdAt, &hit.Distance); err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "scan similar tool")
		}
		if len(prefixes) > 0 && !matchesAnyPrefix(hit.DisplayName, prefixes) {
			continue
		}
		hit.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "parse created_at")
		}
		hit.Similarity = 1 - hit.Distance
		out = append(out, hit)
		if len(out) == topK {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "iterate similar tools")
	}
	return out, nil
}

func matchesAnyPrefix(displayName string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(displayName, p) {
			return true
		}
	}
	return false
}

// ExistsByMD5 reports whether a (tool_md5, model_name) pair is already
// indexed, without requiring a vector.
func (s *Store) ExistsByMD5(toolMD5, modelName string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_vectors WHERE tool_md5 = ? AND model_name = ?`,
		toolMD5, modelName).Scan(&n)
	if err != nil {
		return false, apperror.Wrap(apperror.Internal, err, "check tool existence")
	}
	return n > 0, nil
}

// ListIndexedServerNames returns the distinct server-name prefixes
// currently present in tool_vectors.display_name for modelName, derived by
// splitting on the first "__". Used by the registry's catalog refresh to
// find ToolRecords belonging to servers that no longer exist.
func (s *Store) ListIndexedServerNames(modelName string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT display_name FROM tool_vectors WHERE model_name = ?`, modelName)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "list indexed display names")
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var names []string
	for rows.Next() {
		var displayName string
		if err := rows.Scan(&displayName); err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "scan display name")
		}
		name, _, ok := cutDisplayName(displayName)
		if !ok {
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "iterate display names")
	}
	return names, nil
}

func cutDisplayName(displayName string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(displayName, "__")
	return
}

// DeleteToolsByServerName removes every ToolRecord (plus vector/mapping
// rows) whose display_name is prefixed "{serverName}__" under modelName,
// returning the count removed. Filtering happens in Go rather than via SQL
// LIKE to avoid escaping the literal underscores in the separator.
func (s *Store) DeleteToolsByServerName(serverName, modelName string) (int, error) {
	rows, err := s.db.Query(`SELECT tool_md5, display_name FROM tool_vectors WHERE model_name = ?`, modelName)
	if err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "list tools for server")
	}
	prefix := serverName + "__"
	var md5s []string
	for rows.Next() {
		var md5, displayName string
		if err := rows.Scan(&md5, &displayName); err != nil {
			rows.Close()
			return 0, apperror.Wrap(apperror.Internal, err, "scan tool row")
		}
		if strings.HasPrefix(displayName, prefix) {
			md5s = append(md5s, md5)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "iterate tools for server")
	}

	removed := 0
	for _, md5 := range md5s {
		if err := s.DeleteToolByMD5(md5, modelName); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}


// ListToolsByServerName returns every ToolRecord belonging to serverName
// under modelName, ordered by display_name, for the REST surface's
// include_tools view (spec.md §6). Prefix matching is done in Go for the
// same reason as DeleteToolsByServerName.
func (s *Store) ListToolsByServerName(serverName, modelName string) ([]ToolRecord, error) {
	rows, err := s.db.Query(`SELECT tool_md5, model_name, display_name, description, created_at, updated_at
		FROM tool_vectors WHERE model_name = ? ORDER BY display_name ASC`, modelName)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "list tools for server")
	}
	defer rows.Close()

	prefix := serverName + "__"
	var out []ToolRecord
	for rows.Next() {
		var rec ToolRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ToolMD5, &rec.ModelName, &rec.DisplayName, &rec.Description, &createdAt, &updatedAt); err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "scan tool row")
		}
		if !strings.HasPrefix(rec.DisplayName, prefix) {
			continue
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "parse created_at")
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, apperror.Wrap(apperror.Internal, err, "parse updated_at")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "iterate tools for server")
	}
	return out, nil
}

// GetToolCount reports how many tools are indexed under modelName.
func (s *Store) GetToolCount(modelName string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_vectors WHERE model_name = ?`, modelName).Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.Internal, err, "count tools")
	}
	return n, nil
}
