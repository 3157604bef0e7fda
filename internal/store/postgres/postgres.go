// Package postgres is the Store backend for shared deployments, using pgvector
// columns for embeddings.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	// The vector type must exist before the pool registers it on each connection,
	// so migrations run on a dedicated connection first.
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	conn.Close(ctx)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, c)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// initSchema creates the tables and the vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS owners (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
			embedding VECTOR NOT NULL,
			quality DOUBLE PRECISION NOT NULL DEFAULT 0,
			face_size INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS embeddings_owner_id_idx ON embeddings (owner_id);
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			kind TEXT NOT NULL,
			owner_id BIGINT NOT NULL DEFAULT 0,
			value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS events_at_idx ON events (at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Snapshot reads owners and embeddings in one read-only REPEATABLE READ
// transaction, so a concurrent merge or enrollment is either fully visible or not at all.
func (s *Store) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	names := make(map[int64]string)
	rows, err := tx.Query(ctx, "SELECT id, name FROM owners")
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
	rows, err = tx.Query(ctx, "SELECT id, owner_id, embedding FROM embeddings ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var smp match.Sample
		var vec pgvector.Vector
		if err := rows.Scan(&smp.ID, &smp.OwnerID, &vec); err != nil {
			return nil, err
		}
		smp.Vector = vec.Slice()
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return store.NewSnapshot(samples, names), tx.Commit(ctx)
}

func (s *Store) OwnerName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, "SELECT name FROM owners WHERE id = $1", id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrOwnerNotFound
	}
	return name, err
}

func (s *Store) CreateOwner(ctx context.Context, name string) (store.Owner, error) {
	o := store.Owner{Name: strings.TrimSpace(name)}
	err := s.pool.QueryRow(ctx,
		"INSERT INTO owners (name) VALUES ($1) RETURNING id, created_at, updated_at", o.Name,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

const ownerColumns = `
	SELECT o.id, o.name, o.created_at, o.updated_at,
	       (SELECT COUNT(*) FROM embeddings e WHERE e.owner_id = o.id)
	FROM owners o`

func scanOwner(row pgx.Row) (store.Owner, error) {
	var o store.Owner
	err := row.Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt, &o.Embeddings)
	return o, err
}

func (s *Store) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	o, err := scanOwner(s.pool.QueryRow(ctx, ownerColumns+" WHERE o.id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, store.ErrOwnerNotFound
	}
	return o, err
}

func (s *Store) ListOwners(ctx context.Context) ([]store.Owner, error) {
	rows, err := s.pool.Query(ctx, ownerColumns+" ORDER BY o.id")
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

// RenameOwner updates the name of an owner.
func (s *Store) RenameOwner(ctx context.Context, id int64, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE owners SET name = $1, updated_at = NOW() WHERE id = $2", strings.TrimSpace(name), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOwnerNotFound
	}
	return nil
}

func (s *Store) DeleteOwner(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM owners WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOwnerNotFound
	}
	return nil
}

// MergeOwners moves every embedding of from onto to inside one transaction.
func (s *Store) MergeOwners(ctx context.Context, from, to int64, deleteSource bool) (store.MergeResult, error) {
	var res store.MergeResult
	if from == to {
		return res, store.ErrSameOwner
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	// 1. Lock both rows so a concurrent rename cannot interleave
	var srcName, dstName string
	if err := tx.QueryRow(ctx, "SELECT name FROM owners WHERE id = $1 FOR UPDATE", from).Scan(&srcName); err != nil {
		return res, notFound(err)
	}
	if err := tx.QueryRow(ctx, "SELECT name FROM owners WHERE id = $1 FOR UPDATE", to).Scan(&dstName); err != nil {
		return res, notFound(err)
	}

	// 2. Move the samples
	tag, err := tx.Exec(ctx, "UPDATE embeddings SET owner_id = $1 WHERE owner_id = $2", to, from)
	if err != nil {
		return res, err
	}
	res.Moved = int(tag.RowsAffected())

	// 3. An anonymous target inherits the source's name
	if strings.TrimSpace(dstName) == "" && strings.TrimSpace(srcName) != "" {
		if _, err := tx.Exec(ctx, "UPDATE owners SET name = $1, updated_at = NOW() WHERE id = $2", srcName, to); err != nil {
			return res, err
		}
		res.AdoptedName = srcName
	}

	if deleteSource {
		if _, err := tx.Exec(ctx, "DELETE FROM owners WHERE id = $1", from); err != nil {
			return res, err
		}
		res.Deleted = true
	}
	return res, tx.Commit(ctx)
}

func (s *Store) AppendEmbedding(ctx context.Context, e store.Embedding) (int64, error) {
	if err := match.Validate(e.Vector); err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var dim int
	err = tx.QueryRow(ctx, "SELECT vector_dims(embedding) FROM embeddings LIMIT 1").Scan(&dim)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	if err := store.CheckDim(e.Vector, dim); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO embeddings (owner_id, embedding, quality, face_size, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.OwnerID, pgvector.NewVector(e.Vector), e.Quality, e.FaceSize, e.CreatedAt,
	).Scan(&id)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
		return 0, store.ErrOwnerNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, tx.Commit(ctx)
}

func (s *Store) OwnerEmbeddings(ctx context.Context, ownerID int64) ([]store.Embedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, embedding, quality, face_size, created_at
		FROM embeddings WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Embedding
	for rows.Next() {
		var e store.Embedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.OwnerID, &vec, &e.Quality, &e.FaceSize, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEmbeddings(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM embeddings WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteOwnerEmbeddings(ctx context.Context, ownerID int64) (int, error) {
	if _, err := s.OwnerName(ctx, ownerID); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM embeddings WHERE owner_id = $1", ownerID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteOrphanEmbeddings(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM embeddings e WHERE NOT EXISTS (SELECT 1 FROM owners o WHERE o.id = e.owner_id)")
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) LogEvent(ctx context.Context, ev store.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, subject, kind, owner_id, value, confidence, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Subject, string(ev.Kind), ev.OwnerID, ev.Value, ev.Confidence, ev.At)
	return err
}

func (s *Store) Events(ctx context.Context, f store.EventFilter) ([]store.Event, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.OwnerID != 0 {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("at >= $%d", len(args)))
	}

	q := "SELECT id, subject, kind, owner_id, value, confidence, at FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var ev store.Event
		var kind string
		if err := rows.Scan(&ev.ID, &ev.Subject, &kind, &ev.OwnerID, &ev.Value, &ev.Confidence, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = store.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM events WHERE at < $1", before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	st := store.Stats{Emotions: map[string]int{}}
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM owners),
		       (SELECT COUNT(*) FROM owners WHERE TRIM(name) <> ''),
		       (SELECT COUNT(*) FROM embeddings),
		       (SELECT COUNT(*) FROM events)`).Scan(&st.Owners, &st.NamedOwners, &st.Embeddings, &st.Events)
	if err != nil {
		return st, err
	}

	rows, err := s.pool.Query(ctx, "SELECT value, COUNT(*) FROM events WHERE kind = $1 GROUP BY value", string(store.EventEmotion))
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

// Reset drops all application tables. The next New recreates them.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS embeddings CASCADE;
		DROP TABLE IF EXISTS events CASCADE;
		DROP TABLE IF EXISTS owners CASCADE;
	`)
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrOwnerNotFound
	}
	return err
}
