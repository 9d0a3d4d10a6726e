package control

import (
	"fmt"

	"github.com/ptmai/mailpipe/internal/core/config"
	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/infra/storage"
	"github.com/ptmai/mailpipe/internal/resilience/requeue"
)

// requeueQueries builds the startup-requeue scan set, from config when
// entries are declared and from defaults otherwise.
func (a *App) requeueQueries() []requeue.Query {
	warner := requeue.NewFieldWarner(a.log)

	entries := a.cfg.Requeue
	if len(entries) == 0 {
		entries = defaultRequeueEntries(a.cfg.Pipeline.RequeueLimit)
	}

	queries := make([]requeue.Query, 0, len(entries))
	for _, e := range entries {
		q := requeue.Query{
			Collection: e.Collection,
			Filter:     storage.Filter(e.Filter),
			IDField:    e.IDField,
			EventType:  e.EventType,
			RoutingKey: e.RoutingKey,
			Limit:      e.Limit,
		}
		switch e.Collection {
		case domain.CollectionArchives:
			q.BuildEventData = archiveEventData(warner)
		case domain.CollectionThreads:
			q.BuildEventData = threadEventData(warner)
		default:
			collection := e.Collection
			idField := e.IDField
			q.BuildEventData = func(doc storage.Document) (map[string]any, error) {
				id, _ := doc[idField].(string)
				if id == "" {
					return nil, fmt.Errorf("document in %s missing %s", collection, idField)
				}
				return map[string]any{idField: id}, nil
			}
		}
		queries = append(queries, q)
	}
	return queries
}

// defaultRequeueEntries covers the two stages that can leave documents
// stuck: archives that never finished parsing and threads that never got a
// summary.
func defaultRequeueEntries(limit int) []config.RequeueEntry {
	return []config.RequeueEntry{
		{
			Collection: domain.CollectionArchives,
			Filter: map[string]any{
				"status": []string{string(domain.StatusPending), string(domain.StatusProcessing)},
			},
			IDField:    "id",
			EventType:  string(domain.EventTypeArchiveIngested),
			RoutingKey: domain.RoutingKeyArchiveIngested,
			Limit:      limit,
		},
		{
			Collection: domain.CollectionThreads,
			Filter: map[string]any{
				"status":      string(domain.StatusPending),
				"summary_ref": nil,
			},
			IDField:    "id",
			EventType:  string(domain.EventTypeThreadReady),
			RoutingKey: domain.RoutingKeyThreadReady,
			Limit:      limit,
		},
	}
}

func archiveEventData(warner *requeue.FieldWarner) requeue.BuildEventData {
	return func(doc storage.Document) (map[string]any, error) {
		id, _ := doc["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("archive document missing id")
		}
		listID, _ := doc["list_id"].(string)
		if listID == "" {
			warner.Warn(domain.CollectionArchives, id, "list_id")
		}
		return map[string]any{
			"archive_id": id,
			"list_id":    listID,
		}, nil
	}
}

func threadEventData(warner *requeue.FieldWarner) requeue.BuildEventData {
	return func(doc storage.Document) (map[string]any, error) {
		id, _ := doc["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("thread document missing id")
		}
		listID, _ := doc["list_id"].(string)
		if listID == "" {
			warner.Warn(domain.CollectionThreads, id, "list_id")
		}
		return map[string]any{
			"thread_id": id,
			"list_id":   listID,
		}, nil
	}
}
