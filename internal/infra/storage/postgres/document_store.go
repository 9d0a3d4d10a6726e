package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ptmai/mailpipe/internal/infra/storage"
)

// pgUniqueViolation is the SQLSTATE code for duplicate keys.
const pgUniqueViolation = "23505"

var fieldNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DocumentStore implements storage.DocumentStore over a single JSONB table.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a PostgreSQL-backed document store.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Insert stores a new document.
func (s *DocumentStore) Insert(ctx context.Context, collection string, doc storage.Document) (string, error) {
	if err := storage.Validate(collection, doc); err != nil {
		return "", err
	}
	id := storage.DocID(doc)

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	query := `
		INSERT INTO documents (collection, id, doc, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	_, err = s.db.ExecContext(ctx, query, collection, id, data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
		}
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return id, nil
}

// Query returns up to limit documents matching filter.
func (s *DocumentStore) Query(ctx context.Context, collection string, filter storage.Filter, limit int) ([]storage.Document, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT doc FROM documents WHERE %s ORDER BY created_at ASC", where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	docs := make([]storage.Document, 0, len(rows))
	for _, raw := range rows {
		var doc storage.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Get retrieves a document by id.
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	var raw []byte
	query := `SELECT doc FROM documents WHERE collection = $1 AND id = $2`
	err := s.db.GetContext(ctx, &raw, query, collection, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// Update merges a partial patch into an existing document.
func (s *DocumentStore) Update(ctx context.Context, collection, id string, patch storage.Document) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	query := `
		UPDATE documents
		SET doc = doc || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2
	`
	res, err := s.db.ExecContext(ctx, query, collection, id, data)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

// Count returns the number of documents matching filter.
func (s *DocumentStore) Count(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM documents WHERE %s", where)
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// Purge deletes documents created before the given time.
func (s *DocumentStore) Purge(ctx context.Context, collection string, before time.Time) (int, error) {
	query := `DELETE FROM documents WHERE collection = $1 AND created_at < $2`
	res, err := s.db.ExecContext(ctx, query, collection, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Health checks backend connectivity.
func (s *DocumentStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close releases the connection pool.
func (s *DocumentStore) Close() error {
	return s.db.Close()
}

// buildWhere translates a storage.Filter into a WHERE clause over the JSONB
// column. Filter fields come from code and config, but are still validated
// against a strict identifier pattern before interpolation.
func buildWhere(collection string, filter storage.Filter) (string, []any, error) {
	conds := []string{"collection = $1"}
	args := []any{collection}

	// Deterministic order keeps queries stable across calls.
	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if !fieldNamePattern.MatchString(field) {
			return "", nil, fmt.Errorf("invalid filter field %q", field)
		}
		want := filter[field]

		switch w := want.(type) {
		case nil:
			conds = append(conds, fmt.Sprintf(
				"(doc->>'%s' IS NULL OR doc->>'%s' = '')", field, field))
		case []string:
			placeholders := make([]string, len(w))
			for i, v := range w {
				args = append(args, v)
				placeholders[i] = fmt.Sprintf("$%d", len(args))
			}
			conds = append(conds, fmt.Sprintf(
				"doc->>'%s' IN (%s)", field, strings.Join(placeholders, ", ")))
		case []any:
			placeholders := make([]string, len(w))
			for i, v := range w {
				args = append(args, fmt.Sprintf("%v", v))
				placeholders[i] = fmt.Sprintf("$%d", len(args))
			}
			conds = append(conds, fmt.Sprintf(
				"doc->>'%s' IN (%s)", field, strings.Join(placeholders, ", ")))
		default:
			args = append(args, fmt.Sprintf("%v", w))
			conds = append(conds, fmt.Sprintf("doc->>'%s' = $%d", field, len(args)))
		}
	}

	return strings.Join(conds, " AND "), args, nil
}
