// Package store provides a SQLite-backed metadata store for ingested
// documents. The vector index holds the chunks; this store holds the
// per-document facts the API surfaces — filename, type, ingestion status —
// and survives restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// ErrNotFound indicates the requested document is not in the store.
var ErrNotFound = errors.New("store: document not found")

// Status tracks a document through the ingestion pipeline.
type Status string

const (
	// StatusPending means the document is registered but not yet processed.
	StatusPending Status = "pending"
	// StatusCompleted means the document's chunks are in the vector index.
	StatusCompleted Status = "completed"
	// StatusFailed means ingestion errored; the document has no usable chunks.
	StatusFailed Status = "failed"
)

// Document is one ingested source file's metadata.
type Document struct {
	// ID is the stable document identifier (UUID).
	ID string
	// Filename is the stored file name.
	Filename string
	// Title is the display title, usually the original upload name.
	Title string
	// DocType classifies the content (article, cv, report, other).
	DocType string
	// SourceType names the physical format (pdf, transcript, document).
	SourceType string
	// Status is the ingestion state.
	Status Status
	// ChunkCount is the number of chunks indexed for the document.
	ChunkCount int
	// CreatedAt is when the document was registered.
	CreatedAt time.Time
}

// DocumentStore persists document metadata. Implementations must be safe
// for concurrent use.
type DocumentStore interface {
	// Put inserts or replaces a document record.
	Put(ctx context.Context, doc Document) error
	// Get returns one document by id, or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)
	// List returns all documents, newest first.
	List(ctx context.Context) ([]Document, error)
	// SetStatus updates a document's ingestion state and chunk count.
	SetStatus(ctx context.Context, id string, status Status, chunkCount int) error
	// Delete removes a document record.
	Delete(ctx context.Context, id string) error
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a DocumentStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the document metadata database.
// It resolves to ~/.kbai/metadata.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbai")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "metadata.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
    id           TEXT    PRIMARY KEY,
    filename     TEXT    NOT NULL,
    title        TEXT    NOT NULL,
    doc_type     TEXT    NOT NULL,
    source_type  TEXT    NOT NULL,
    status       TEXT    NOT NULL CHECK(status IN ('pending','completed','failed')),
    chunk_count  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_documents_created
    ON documents (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Put inserts or replaces a document record. A zero CreatedAt is stamped
// with the current time.
func (s *SQLiteStore) Put(ctx context.Context, doc Document) error {
	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	const q = `
INSERT OR REPLACE INTO documents (id, filename, title, doc_type, source_type, status, chunk_count, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		doc.ID, doc.Filename, doc.Title, doc.DocType, doc.SourceType,
		string(doc.Status), doc.ChunkCount, created.Unix())
	if err != nil {
		return fmt.Errorf("store: put %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns one document by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Document, error) {
	const q = `
SELECT id, filename, title, doc_type, source_type, status, chunk_count, created_at
FROM   documents
WHERE  id = ?`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return doc, nil
}

// List returns all documents, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Document, error) {
	const q = `
SELECT id, filename, title, doc_type, source_type, status, chunk_count, created_at
FROM   documents
ORDER  BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return docs, nil
}

// SetStatus updates a document's ingestion state and chunk count.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status, chunkCount int) error {
	const q = `UPDATE documents SET status = ?, chunk_count = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), chunkCount, id)
	if err != nil {
		return fmt.Errorf("store: set status %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a document record. Deleting an absent id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM documents WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// Ping verifies the database connection, for readiness probes.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows for scanDocument.
type scanner interface {
	Scan(dest ...any) error
}

// scanDocument reads one document row in column order.
func scanDocument(row scanner) (Document, error) {
	var doc Document
	var status string
	var ts int64
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.Title, &doc.DocType,
		&doc.SourceType, &status, &doc.ChunkCount, &ts); err != nil {
		return Document{}, err
	}
	doc.Status = Status(status)
	doc.CreatedAt = time.Unix(ts, 0)
	return doc, nil
}
