package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ptmai/mailpipe/internal/infra/storage"
)

// Store is an in-memory DocumentStore for development and tests.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]entry
}

type entry struct {
	doc       storage.Document
	createdAt time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{collections: make(map[string]map[string]entry)}
}

// Insert stores a new document.
func (s *Store) Insert(ctx context.Context, collection string, doc storage.Document) (string, error) {
	if err := storage.Validate(collection, doc); err != nil {
		return "", err
	}
	id := storage.DocID(doc)

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]entry)
		s.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return "", fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	coll[id] = entry{doc: cloneDoc(doc), createdAt: time.Now()}
	return id, nil
}

// Query returns up to limit documents matching filter.
func (s *Store) Query(ctx context.Context, collection string, filter storage.Filter, limit int) ([]storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Document
	for _, e := range s.collections[collection] {
		if storage.Matches(e.doc, filter) {
			out = append(out, cloneDoc(e.doc))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Get retrieves a document by id.
func (s *Store) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return cloneDoc(e.doc), nil
}

// Update applies a partial patch to an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, patch storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	e, ok := coll[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	for k, v := range patch {
		e.doc[k] = v
	}
	coll[id] = e
	return nil
}

// Count returns the number of documents matching filter.
func (s *Store) Count(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.collections[collection] {
		if storage.Matches(e.doc, filter) {
			count++
		}
	}
	return count, nil
}

// Purge deletes documents created before the given time.
func (s *Store) Purge(ctx context.Context, collection string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, e := range s.collections[collection] {
		if e.createdAt.Before(before) {
			delete(s.collections[collection], id)
			deleted++
		}
	}
	return deleted, nil
}

// Health always succeeds for the in-memory store.
func (s *Store) Health(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneDoc(doc storage.Document) storage.Document {
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
