package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// overfetchFactor compensates for vec0 KNN running before metadata filters:
// the nearest-neighbor scan cannot see repo, language, or model columns, so
// we pull a wider candidate set and filter it in SQL afterwards.
const overfetchFactor = 16

// SQLiteStore persists records in SQLite with sqlite-vec for the KNN index.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
}

// OpenSQLite opens or creates the database at path and prepares the schema.
func OpenSQLite(path string, dimension int) (*SQLiteStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("sqlite store: dimension must be positive, got %d", dimension)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &SQLiteStore{db: db, dimension: dimension}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	ddl := fmt.Sprintf(`
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS records (
    rowid        INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    file_path    TEXT NOT NULL,
    repo         TEXT NOT NULL DEFAULT '',
    language     TEXT NOT NULL DEFAULT '',
    kind         TEXT NOT NULL DEFAULT '',
    name         TEXT NOT NULL DEFAULT '',
    start_line   INTEGER NOT NULL,
    end_line     INTEGER NOT NULL,
    content      TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    model        TEXT NOT NULL,
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_records_file ON records(file_path);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_records USING vec0(
    record_rowid INTEGER PRIMARY KEY,
    embedding float[%d]
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`, s.dimension)
	_, err := s.db.Exec(ddl)
	return err
}

// Upsert replaces each record atomically: the old row and its vector go
// away in the same transaction that installs the new ones.
func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range records {
		if err := s.deleteByID(ctx, tx, r.ID); err != nil {
			return err
		}
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, file_path, repo, language, kind, name, start_line, end_line, content, content_hash, model, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FilePath, r.Repo, r.Language, r.Kind, r.Name,
			r.StartLine, r.EndLine, r.Content, r.ContentHash, r.Model, updatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		blob, err := sqlite_vec.SerializeFloat32(r.Vector)
		if err != nil {
			return fmt.Errorf("serialize vector for %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vec_records (record_rowid, embedding) VALUES (?, ?)", rowid, blob,
		); err != nil {
			return fmt.Errorf("insert vector for %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := s.deleteByID(ctx, tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) deleteByID(ctx context.Context, tx *sql.Tx, id string) error {
	var rowid int64
	err := tx.QueryRowContext(ctx, "SELECT rowid FROM records WHERE id = ?", id).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM vec_records WHERE record_rowid = ?", rowid); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM records WHERE rowid = ?", rowid)
	return err
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT rowid FROM records WHERE file_path = ?", path)
	if err != nil {
		return err
	}
	var rowids []int64
	for rows.Next() {
		var rowid int64
		if err := rows.Scan(&rowid); err != nil {
			rows.Close()
			return err
		}
		rowids = append(rowids, rowid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, rowid := range rowids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_records WHERE record_rowid = ?", rowid); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE file_path = ?", path); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&total); err != nil {
		return nil, err
	}

	where, args := filterClauses(filter)
	fetch := k * overfetchFactor
	if fetch < 256 {
		fetch = 256
	}
	for {
		matches, err := s.searchOnce(ctx, blob, fetch, k, where, args)
		if err != nil {
			return nil, err
		}
		// The KNN window runs before the metadata filter. A short result
		// while unseen candidates remain means the window was too narrow,
		// not that fewer than k records match.
		if len(matches) >= k || fetch >= total {
			return matches, nil
		}
		fetch *= overfetchFactor
	}
}

func (s *SQLiteStore) searchOnce(ctx context.Context, blob []byte, fetch, k int, where string, args []any) ([]Match, error) {
	query := fmt.Sprintf(`
		SELECT r.id, r.file_path, r.repo, r.language, r.kind, r.name,
		       r.start_line, r.end_line, r.content, r.content_hash, r.model,
		       r.updated_at, v.distance
		FROM (
		    SELECT record_rowid, distance FROM vec_records
		    WHERE embedding MATCH ? LIMIT ?
		) v
		JOIN records r ON r.rowid = v.record_rowid
		%s
		ORDER BY v.distance ASC, r.updated_at DESC
		LIMIT ?`, where)

	all := append([]any{blob, fetch}, args...)
	all = append(all, k)

	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var r Record
		var distance float64
		if err := rows.Scan(
			&r.ID, &r.FilePath, &r.Repo, &r.Language, &r.Kind, &r.Name,
			&r.StartLine, &r.EndLine, &r.Content, &r.ContentHash, &r.Model,
			&r.UpdatedAt, &distance,
		); err != nil {
			return nil, err
		}
		matches = append(matches, Match{Record: r, Score: score(distance)})
	}
	return matches, rows.Err()
}

func filterClauses(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.Model != "" {
		clauses = append(clauses, "r.model = ?")
		args = append(args, f.Model)
	}
	if len(f.Repos) > 0 {
		clauses = append(clauses, "r.repo IN ("+placeholders(len(f.Repos))+")")
		for _, v := range f.Repos {
			args = append(args, v)
		}
	}
	if len(f.Languages) > 0 {
		clauses = append(clauses, "r.language IN ("+placeholders(len(f.Languages))+")")
		for _, v := range f.Languages {
			args = append(args, v)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLiteStore) HashesForFile(ctx context.Context, path string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content_hash FROM records WHERE file_path = ?", path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

func (s *SQLiteStore) ListFiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT file_path FROM records ORDER BY file_path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByModel: make(map[string]int), Backend: "sqlite"}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT file_path) FROM records",
	).Scan(&stats.Chunks, &stats.Files); err != nil {
		return Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT model, COUNT(*) FROM records GROUP BY model")
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return Stats{}, err
		}
		stats.ByModel[model] = n
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
