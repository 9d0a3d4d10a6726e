package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyExists is returned when a document with the same id is
	// already present in the collection. Callers treat this as benign.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrValidation is returned when a document fails schema validation.
	ErrValidation = errors.New("document validation failed")

	// ErrNotFound is returned when a document doesn't exist.
	ErrNotFound = errors.New("document not found")
)

// Document is a schemaless record keyed by its "id" field.
type Document map[string]any

// Filter selects documents by field value. Semantics per entry:
// exact match for scalars, IN for slices, and nil matches documents
// where the field is absent, null or empty.
type Filter map[string]any

// DocumentStore is the capability interface over a document backend.
// One implementation per backend, selected at construction time.
type DocumentStore interface {
	// Insert stores a new document and returns its id. Fails with
	// ErrAlreadyExists on duplicate id and ErrValidation on schema rejection.
	Insert(ctx context.Context, collection string, doc Document) (string, error)

	// Query returns up to limit documents matching filter (0 = no limit).
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]Document, error)

	// Get retrieves a single document by id.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Update applies a partial patch to an existing document.
	Update(ctx context.Context, collection, id string, patch Document) error

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int, error)

	// Purge deletes documents created before the given time, returning
	// how many were removed. Used by the retention pruner.
	Purge(ctx context.Context, collection string, before time.Time) (int, error)

	// Health checks backend connectivity.
	Health(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// requiredFields lists the fields each collection must carry.
// Inserts missing one of these are rejected with ErrValidation.
var requiredFields = map[string][]string{
	"archives":  {"id", "list_id", "status"},
	"messages":  {"id", "list_id", "thread_id", "message_id", "status"},
	"chunks":    {"id", "message_id", "text"},
	"threads":   {"id", "list_id", "subject_key", "status"},
	"summaries": {"id", "thread_id", "text"},
}

// Validate checks a document against the collection schema. Unknown
// collections only require an id so ad-hoc collections keep working.
func Validate(collection string, doc Document) error {
	fields, ok := requiredFields[collection]
	if !ok {
		fields = []string{"id"}
	}
	for _, f := range fields {
		v, present := doc[f]
		if !present || v == nil {
			return fmt.Errorf("%w: %s missing field %q", ErrValidation, collection, f)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("%w: %s has empty field %q", ErrValidation, collection, f)
		}
	}
	return nil
}

// DocID extracts the id field from a document.
func DocID(doc Document) string {
	if id, ok := doc["id"].(string); ok {
		return id
	}
	return ""
}

// Matches reports whether a document satisfies the filter. Shared by the
// memory store and by filter handling in tests.
func Matches(doc Document, filter Filter) bool {
	for field, want := range filter {
		got, present := doc[field]
		if want == nil {
			// nil means the field must be absent, null or empty
			if present && got != nil && got != "" {
				return false
			}
			continue
		}
		switch w := want.(type) {
		case []string:
			if !containsValue(got, toAnySlice(w)) {
				return false
			}
		case []any:
			if !containsValue(got, w) {
				return false
			}
		default:
			if !present || !looseEqual(got, want) {
				return false
			}
		}
	}
	return true
}

func containsValue(got any, want []any) bool {
	for _, w := range want {
		if looseEqual(got, w) {
			return true
		}
	}
	return false
}

// looseEqual compares values after JSON round-trips may have changed their
// concrete type (ints become float64, statuses become plain strings).
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
