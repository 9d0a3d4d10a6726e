package domain

import "time"

// Collection names in the document store.
const (
	CollectionArchives  = "archives"
	CollectionMessages  = "messages"
	CollectionChunks    = "chunks"
	CollectionThreads   = "threads"
	CollectionSummaries = "summaries"
)

// DocStatus tracks a document through the pipeline. Status transitions are
// monotonic; a completed document is never moved back.
type DocStatus string

const (
	StatusPending    DocStatus = "pending"
	StatusProcessing DocStatus = "processing"
	StatusComplete   DocStatus = "complete"
	StatusFailed     DocStatus = "failed"
)

// Archive is one raw mbox file registered for ingestion.
type Archive struct {
	ID         string    `json:"id"`
	ListID     string    `json:"list_id"`
	Source     string    `json:"source"`
	Raw        string    `json:"raw"`
	Status     DocStatus `json:"status"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Message is one parsed mail from an archive.
type Message struct {
	ID        string    `json:"id"`
	ListID    string    `json:"list_id"`
	ArchiveID string    `json:"archive_id"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject"`
	Author    string    `json:"author"`
	SentAt    time.Time `json:"sent_at"`
	Status    DocStatus `json:"status"`
}

// Chunk is one body segment of a message, sized for summarization.
type Chunk struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
}

// Thread groups messages sharing a normalized subject within a list.
type Thread struct {
	ID         string    `json:"id"`
	ListID     string    `json:"list_id"`
	SubjectKey string    `json:"subject_key"`
	Subject    string    `json:"subject"`
	Status     DocStatus `json:"status"`
	SummaryRef string    `json:"summary_ref"`
}

// Summary is the signed summary of one thread.
type Summary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Text      string    `json:"text"`
	Digest    string    `json:"digest"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}
