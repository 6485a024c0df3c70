package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// DenylistStore persists removal requests in Postgres. Rows are never
// deleted; status transitions update in place so the audit trail stays
// complete.
type DenylistStore struct {
	pool dbPool
}

// NewDenylistStore constructs a DenylistStore over an existing pool.
func NewDenylistStore(pool dbPool) (*DenylistStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DenylistStore{pool: pool}, nil
}

// CreateEntry appends a removal request.
func (s *DenylistStore) CreateEntry(ctx context.Context, entry pipeline.DenylistEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO denylist_entries (id, artist_id, reason, contact, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.ArtistID, entry.Reason, entry.Contact, entry.Status, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert denylist entry: %w", err)
	}
	return nil
}

// GetEntry returns an entry by id.
func (s *DenylistStore) GetEntry(ctx context.Context, id string) (pipeline.DenylistEntry, error) {
	var entry pipeline.DenylistEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, artist_id, reason, contact, status, created_at, decided_at, purged_at
		FROM denylist_entries WHERE id = $1`, id).Scan(
		&entry.ID,
		&entry.ArtistID,
		&entry.Reason,
		&entry.Contact,
		&entry.Status,
		&entry.CreatedAt,
		&entry.DecidedAt,
		&entry.PurgedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.DenylistEntry{}, fmt.Errorf("denylist entry %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.DenylistEntry{}, fmt.Errorf("get denylist entry: %w", err)
	}
	return entry, nil
}

// SetStatus transitions an entry's review status.
func (s *DenylistStore) SetStatus(ctx context.Context, id string, status pipeline.DenylistStatus, decidedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE denylist_entries SET status = $2, decided_at = $3 WHERE id = $1`,
		id, status, decidedAt)
	if err != nil {
		return fmt.Errorf("update denylist status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("denylist entry %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// MarkPurged records purge completion for an approved entry.
func (s *DenylistStore) MarkPurged(ctx context.Context, id string, purgedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE denylist_entries SET purged_at = $2 WHERE id = $1`, id, purgedAt)
	if err != nil {
		return fmt.Errorf("mark denylist entry purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("denylist entry %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// ApprovedIDs returns artist ids with at least one approved entry.
func (s *DenylistStore) ApprovedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT artist_id FROM denylist_entries WHERE status = $1`,
		pipeline.DenylistApproved)
	if err != nil {
		return nil, fmt.Errorf("list approved denylist ids: %w", err)
	}
	defer rows.Close()

	approved := make(map[string]bool)
	for rows.Next() {
		var artistID string
		if err := rows.Scan(&artistID); err != nil {
			return nil, fmt.Errorf("scan approved id: %w", err)
		}
		approved[artistID] = true
	}
	return approved, rows.Err()
}

// IsApproved reports whether the artist id has an approved entry.
func (s *DenylistStore) IsApproved(ctx context.Context, artistID string) (bool, error) {
	var approved bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM denylist_entries WHERE artist_id = $1 AND status = $2
		)`, artistID, pipeline.DenylistApproved).Scan(&approved)
	if err != nil {
		return false, fmt.Errorf("check denylist approval: %w", err)
	}
	return approved, nil
}
