// Package pipeline defines core types shared across subsystems.
package pipeline

import "time"

// Artist is the directory subject's profile record persisted in the
// primary store and mirrored into the search index.
type Artist struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Bio           string            `json:"bio,omitempty"`
	Styles        []string          `json:"styles,omitempty"`
	StudioID      string            `json:"studio_id,omitempty"`
	Location      Location          `json:"location"`
	MediaURLs     []string          `json:"media_urls,omitempty"`
	Contact       Contact           `json:"contact"`
	Rating        float64           `json:"rating,omitempty"`
	HourlyRate    int               `json:"hourly_rate,omitempty"`
	SourceURL     string            `json:"source_url,omitempty"`
	Suppressed    bool              `json:"suppressed"`
	CuratedFields map[string]bool   `json:"curated_fields,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Version       int64             `json:"version"`
	ScrapedAt     time.Time         `json:"scraped_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Location holds a structured address plus geocode.
type Location struct {
	Address string  `json:"address,omitempty"`
	City    string  `json:"city,omitempty"`
	Region  string  `json:"region,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

// Contact holds public contact fields scraped from a profile page.
type Contact struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Website   string `json:"website,omitempty"`
	Instagram string `json:"instagram,omitempty"`
}

// Studio is a source location discovered from the external catalog.
// ArtistIDs is the forward side of the studio/artist reference pair;
// each Artist carries the reverse StudioID.
type Studio struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CatalogURL string    `json:"catalog_url,omitempty"`
	Location   Location  `json:"location"`
	ArtistIDs  []string  `json:"artist_ids,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DenylistStatus is the review state of a removal request.
type DenylistStatus string

// Denylist entry states. Entries are append-only; approval flips the
// status rather than deleting the row.
const (
	DenylistPending  DenylistStatus = "pending-review"
	DenylistApproved DenylistStatus = "approved"
	DenylistRejected DenylistStatus = "rejected"
)

// DenylistEntry records one removal request against an artist id.
type DenylistEntry struct {
	ID        string         `json:"id"`
	ArtistID  string         `json:"artist_id"`
	Reason    string         `json:"reason,omitempty"`
	Contact   string         `json:"contact,omitempty"`
	Status    DenylistStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
	PurgedAt  *time.Time     `json:"purged_at,omitempty"`
}

// Candidate is an artist reference produced by the extraction stage
// before it becomes a queueable job.
type Candidate struct {
	ArtistID   string  `json:"artist_id"`
	StudioID   string  `json:"studio_id"`
	ProfileURL string  `json:"profile_url"`
	Confidence float64 `json:"confidence"`
}

// ScrapeJob is a unit of work to fetch and parse one artist's source
// data. The idempotency key deduplicates repeated submissions of the
// same candidate within a run.
type ScrapeJob struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	ArtistID       string    `json:"artist_id"`
	StudioID       string    `json:"studio_id"`
	ProfileURL     string    `json:"profile_url"`
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempt        int       `json:"attempt"`
}

// StageStatus tracks one orchestrator stage inside a workflow run.
type StageStatus string

// Stage status values persisted in the run store.
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageRetrying  StageStatus = "retrying"
)

// RunState is the overall lifecycle state of a workflow run.
type RunState string

// Run states. TimedOutWaiting means the drain ceiling elapsed with work
// still queued; queued jobs keep draining independently.
const (
	RunPending         RunState = "pending"
	RunRunning         RunState = "running"
	RunSucceeded       RunState = "succeeded"
	RunDegraded        RunState = "degraded"
	RunFailed          RunState = "failed"
	RunTimedOutWaiting RunState = "timed_out_waiting"
	RunCancelled       RunState = "cancelled"
)

// RunCounters tracks aggregate work performed by one run.
type RunCounters struct {
	StudiosDiscovered int `json:"studios_discovered"`
	CandidatesFound   int `json:"candidates_found"`
	JobsQueued        int `json:"jobs_queued"`
	JobsProcessed     int `json:"jobs_processed"`
	JobsFailed        int `json:"jobs_failed"`
	StagesFailed      int `json:"stages_failed"`
}

// WorkflowRun is the durable record persisted at every stage transition
// so the orchestrator can resume idempotently after a restart.
type WorkflowRun struct {
	ID        string                 `json:"id"`
	State     RunState               `json:"state"`
	Stage     string                 `json:"stage"`
	Stages    map[string]StageStatus `json:"stages"`
	Counters  RunCounters            `json:"counters"`
	ErrorText string                 `json:"error_text,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
}

// ChangeKind classifies a change-capture event.
type ChangeKind string

// Change event kinds emitted by the primary store.
const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one entry of the primary store's change-capture
// stream. Ordering is only guaranteed per ArtistID (partition key).
type ChangeEvent struct {
	Sequence   int64      `json:"sequence"`
	Shard      string     `json:"shard"`
	Kind       ChangeKind `json:"kind"`
	ArtistID   string     `json:"artist_id"`
	Version    int64      `json:"version"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// SyncCheckpoint records the last fully applied change sequence for a
// shard so the sync worker can resume without reprocessing.
type SyncCheckpoint struct {
	Shard     string    `json:"shard"`
	Sequence  int64     `json:"sequence"`
	AppliedAt time.Time `json:"applied_at"`
}

// QueueStats is a point-in-time snapshot of queue depth.
type QueueStats struct {
	Visible  int `json:"visible"`
	InFlight int `json:"in_flight"`
	Dead     int `json:"dead"`
}

// Drained reports whether no work remains visible or in flight.
func (s QueueStats) Drained() bool {
	return s.Visible == 0 && s.InFlight == 0
}

// QueryRequest is a read-path search request.
type QueryRequest struct {
	Text     string   `json:"text,omitempty"`
	Styles   []string `json:"styles,omitempty"`
	City     string   `json:"city,omitempty"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// QueryResult carries one page of matches plus the degraded-mode flag
// telling the caller which store answered.
type QueryResult struct {
	Artists  []Artist `json:"artists"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Degraded bool     `json:"degraded"`
	Source   string   `json:"source"`
}
