package pipeline

import (
	"context"
	"time"
)

// PrimaryStore is the durable system of record for artist and studio
// records. Writes are upserts keyed by id so concurrent writers for the
// same artist converge under last-write-wins by version.
type PrimaryStore interface {
	UpsertArtist(ctx context.Context, artist Artist) (Artist, error)
	GetArtist(ctx context.Context, id string) (Artist, error)
	DeleteArtist(ctx context.Context, id string) error
	ListArtists(ctx context.Context, limit, offset int) ([]Artist, error)
	UpsertStudio(ctx context.Context, studio Studio) (Studio, error)
	GetStudio(ctx context.Context, id string) (Studio, error)
	ListStudios(ctx context.Context, limit, offset int) ([]Studio, error)
}

// SearchIndex is the eventually consistent read-optimized index rebuilt
// from primary store changes. Writes must be idempotent upserts.
type SearchIndex interface {
	Upsert(ctx context.Context, artist Artist) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// DenylistStore persists removal requests. Entries are append-only.
type DenylistStore interface {
	CreateEntry(ctx context.Context, entry DenylistEntry) error
	GetEntry(ctx context.Context, id string) (DenylistEntry, error)
	SetStatus(ctx context.Context, id string, status DenylistStatus, decidedAt time.Time) error
	MarkPurged(ctx context.Context, id string, purgedAt time.Time) error
	// ApprovedIDs returns the artist ids with at least one approved entry.
	ApprovedIDs(ctx context.Context) (map[string]bool, error)
	// IsApproved reports whether the artist id has an approved entry.
	IsApproved(ctx context.Context, artistID string) (bool, error)
}

// RunStore persists workflow runs at every stage transition.
type RunStore interface {
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error)
}

// CheckpointStore persists sync checkpoints per shard.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, shard string) (SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp SyncCheckpoint) error
}

// Queue provides at-least-once delivery of scrape jobs. A received job
// stays invisible until acknowledged or its visibility timeout expires,
// after which it is redelivered with an incremented attempt count.
type Queue interface {
	Enqueue(ctx context.Context, job ScrapeJob) error
	Receive(ctx context.Context) (ScrapeJob, error)
	Ack(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (QueueStats, error)
}

// DeadLetters exposes jobs that exhausted their retry budget.
type DeadLetters interface {
	ListDead(ctx context.Context) ([]ScrapeJob, error)
}

// ChangeFeed delivers primary store change-capture events in batches.
// Delivery is at-least-once; ordering holds per artist id only.
type ChangeFeed interface {
	Publish(ctx context.Context, event ChangeEvent) error
	// ReadBatch returns up to max events with sequence > after for the
	// shard, blocking until at least one is available or ctx ends.
	ReadBatch(ctx context.Context, shard string, after int64, max int) ([]ChangeEvent, error)
}

// Scraper fetches and parses one artist profile page.
type Scraper interface {
	Scrape(ctx context.Context, job ScrapeJob) (Artist, error)
}

// Archive stores raw scrape snapshots for audit and returns a URI.
type Archive interface {
	PutSnapshot(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Catalog lists studios from the external source catalog.
type Catalog interface {
	ListStudios(ctx context.Context) ([]Studio, error)
	ListProfiles(ctx context.Context, studio Studio) ([]Candidate, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run/job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for idempotency keys and snapshots.
type Hasher interface {
	Hash(data []byte) (string, error)
}
