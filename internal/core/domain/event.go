package domain

// EventType identifies a domain event on the bus.
type EventType string

const (
	EventTypeArchiveIngested  EventType = "archive.ingested"
	EventTypeThreadReady      EventType = "thread.ready"
	EventTypeThreadSummarized EventType = "thread.summarized"
)

// Routing keys mirror the event types one-to-one on the topic exchange.
const (
	RoutingKeyArchiveIngested  = "archive.ingested"
	RoutingKeyThreadReady      = "thread.ready"
	RoutingKeyThreadSummarized = "thread.summarized"
)
