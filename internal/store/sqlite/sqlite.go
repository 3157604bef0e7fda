// Package sqlite is the embedded Store backend. It is the default when no
// PostgreSQL server is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS owners (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS embeddings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id    INTEGER NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
	vector      BLOB NOT NULL,
	quality     REAL NOT NULL DEFAULT 0,
	face_size   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS embeddings_owner_idx ON embeddings (owner_id);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	subject     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	owner_id    INTEGER NOT NULL DEFAULT 0,
	value       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_at_idx ON events (at);
`

// Store keeps owners, embeddings and events in a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot reads every owner and embedding inside one transaction.
func (s *Store) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	names := make(map[int64]string)
	rows, err := tx.QueryContext(ctx, "SELECT id, name FROM owners")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, err
		}
		names[id] = name
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var samples []match.Sample
	rows, err = tx.QueryContext(ctx, "SELECT id, owner_id, vector FROM embeddings ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var smp match.Sample
		var blob []byte
		if err := rows.Scan(&smp.ID, &smp.OwnerID, &blob); err != nil {
			return nil, err
		}
		smp.Vector = decodeVector(blob)
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return store.NewSnapshot(samples, names), nil
}

func (s *Store) OwnerName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM owners WHERE id = ?", id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrOwnerNotFound
	}
	return name, err
}

func (s *Store) CreateOwner(ctx context.Context, name string) (store.Owner, error) {
	now := time.Now().UTC()
	o := store.Owner{Name: strings.TrimSpace(name), CreatedAt: now, UpdatedAt: now}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO owners (name, created_at, updated_at) VALUES (?, ?, ?)",
		o.Name, formatTime(now), formatTime(now))
	if err != nil {
		return store.Owner{}, err
	}
	o.ID, err = res.LastInsertId()
	return o, err
}

const ownerColumns = `
	SELECT o.id, o.name, o.created_at, o.updated_at,
	       (SELECT COUNT(*) FROM embeddings e WHERE e.owner_id = o.id)
	FROM owners o`

func scanOwner(row interface{ Scan(...any) error }) (store.Owner, error) {
	var o store.Owner
	var created, updated string
	if err := row.Scan(&o.ID, &o.Name, &created, &updated, &o.Embeddings); err != nil {
		return o, err
	}
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return o, nil
}

func (s *Store) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	o, err := scanOwner(s.db.QueryRowContext(ctx, ownerColumns+" WHERE o.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return o, store.ErrOwnerNotFound
	}
	return o, err
}

func (s *Store) ListOwners(ctx context.Context) ([]store.Owner, error) {
	rows, err := s.db.QueryContext(ctx, ownerColumns+" ORDER BY o.id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []store.Owner
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *Store) RenameOwner(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE owners SET name = ?, updated_at = ? WHERE id = ?",
		strings.TrimSpace(name), formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) DeleteOwner(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM owners WHERE id = ?", id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) MergeOwners(ctx context.Context, from, to int64, deleteSource bool) (store.MergeResult, error) {
	var res store.MergeResult
	if from == to {
		return res, store.ErrSameOwner
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	var srcName, dstName string
	if err := tx.QueryRowContext(ctx, "SELECT name FROM owners WHERE id = ?", from).Scan(&srcName); err != nil {
		return res, notFound(err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT name FROM owners WHERE id = ?", to).Scan(&dstName); err != nil {
		return res, notFound(err)
	}

	// 1. Move the samples
	moved, err := tx.ExecContext(ctx, "UPDATE embeddings SET owner_id = ? WHERE owner_id = ?", to, from)
	if err != nil {
		return res, err
	}
	n, _ := moved.RowsAffected()
	res.Moved = int(n)

	// 2. An anonymous target inherits the source's name
	if strings.TrimSpace(dstName) == "" && strings.TrimSpace(srcName) != "" {
		if _, err := tx.ExecContext(ctx, "UPDATE owners SET name = ?, updated_at = ? WHERE id = ?",
			srcName, formatTime(time.Now().UTC()), to); err != nil {
			return res, err
		}
		res.AdoptedName = srcName
	}

	// 3. Optionally drop the now empty source
	if deleteSource {
		if _, err := tx.ExecContext(ctx, "DELETE FROM owners WHERE id = ?", from); err != nil {
			return res, err
		}
		res.Deleted = true
	}
	return res, tx.Commit()
}

func (s *Store) AppendEmbedding(ctx context.Context, e store.Embedding) (int64, error) {
	if err := match.Validate(e.Vector); err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Vectors are stored as 4 bytes per float32
	var size int
	err = tx.QueryRowContext(ctx, "SELECT length(vector) FROM embeddings LIMIT 1").Scan(&size)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err := store.CheckDim(e.Vector, size/4); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO embeddings (owner_id, vector, quality, face_size, created_at) VALUES (?, ?, ?, ?, ?)",
		e.OwnerID, encodeVector(e.Vector), e.Quality, e.FaceSize, formatTime(e.CreatedAt))
	if err != nil {
		// The foreign key is the only constraint an insert can violate
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return 0, store.ErrOwnerNotFound
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *Store) OwnerEmbeddings(ctx context.Context, ownerID int64) ([]store.Embedding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, vector, quality, face_size, created_at FROM embeddings WHERE owner_id = ? ORDER BY id", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Embedding
	for rows.Next() {
		var e store.Embedding
		var blob []byte
		var created string
		if err := rows.Scan(&e.ID, &e.OwnerID, &blob, &e.Quality, &e.FaceSize, &created); err != nil {
			return nil, err
		}
		e.Vector = decodeVector(blob)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEmbeddings(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteOwnerEmbeddings(ctx context.Context, ownerID int64) (int, error) {
	if _, err := s.GetOwner(ctx, ownerID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE owner_id = ?", ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteOrphanEmbeddings removes samples left behind by databases created
// before foreign keys were enforced.
func (s *Store) DeleteOrphanEmbeddings(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE owner_id NOT IN (SELECT id FROM owners)")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) LogEvent(ctx context.Context, ev store.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, subject, kind, owner_id, value, confidence, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ev.ID, ev.Subject, string(ev.Kind), ev.OwnerID, ev.Value, ev.Confidence, formatTime(ev.At))
	return err
}

func (s *Store) Events(ctx context.Context, f store.EventFilter) ([]store.Event, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if !f.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, formatTime(f.Since))
	}

	q := "SELECT id, subject, kind, owner_id, value, confidence, at FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var ev store.Event
		var kind, at string
		if err := rows.Scan(&ev.ID, &ev.Subject, &kind, &ev.OwnerID, &ev.Value, &ev.Confidence, &at); err != nil {
			return nil, err
		}
		ev.Kind = store.EventKind(kind)
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE at < ?", formatTime(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	st := store.Stats{Emotions: map[string]int{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM owners),
		       (SELECT COUNT(*) FROM owners WHERE TRIM(name) <> ''),
		       (SELECT COUNT(*) FROM embeddings),
		       (SELECT COUNT(*) FROM events)`).Scan(&st.Owners, &st.NamedOwners, &st.Embeddings, &st.Events)
	if err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT value, COUNT(*) FROM events WHERE kind = ? GROUP BY value", string(store.EventEmotion))
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return st, err
		}
		st.Emotions[label] = n
	}
	return st, rows.Err()
}

// Reset drops and recreates every table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS embeddings;
		DROP TABLE IF EXISTS events;
		DROP TABLE IF EXISTS owners;
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, schema)
	return err
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrOwnerNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrOwnerNotFound
	}
	return err
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func encodeVector(v match.Vector) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) match.Vector {
	v := make(match.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
