package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// PrimaryStore is the Postgres system of record for artists and
// studios. Records are stored as jsonb documents alongside the columns
// queries filter on; every artist write emits a change-capture event.
type PrimaryStore struct {
	pool  dbPool
	feed  pipeline.ChangeFeed
	shard string
	clock pipeline.Clock
}

// NewPrimaryStore constructs a PrimaryStore over an existing pool. The
// feed may be nil when change capture is not needed.
func NewPrimaryStore(pool dbPool, feed pipeline.ChangeFeed, shard string, clock pipeline.Clock) (*PrimaryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if shard == "" {
		shard = "default"
	}
	return &PrimaryStore{pool: pool, feed: feed, shard: shard, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *PrimaryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertArtist merges the incoming record onto any stored one inside a
// transaction. The row lock serializes concurrent writers for the same
// id so the version sequence never forks.
func (s *PrimaryStore) UpsertArtist(ctx context.Context, artist pipeline.Artist) (pipeline.Artist, error) {
	if artist.ID == "" {
		return pipeline.Artist{}, fmt.Errorf("artist id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pipeline.Artist{}, fmt.Errorf("begin upsert: %w", err)
	}

	var existingDoc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM artists WHERE id = $1 FOR UPDATE`, artist.ID).Scan(&existingDoc)
	switch {
	case err == nil:
		var existing pipeline.Artist
		if uerr := json.Unmarshal(existingDoc, &existing); uerr != nil {
			_ = tx.Rollback(ctx)
			return pipeline.Artist{}, fmt.Errorf("decode stored artist: %w", uerr)
		}
		merged := pipeline.MergeArtist(existing, artist)
		if merged.Version == existing.Version {
			// Content unchanged: release the row lock without writing
			// so the version and the change feed stay as a single write
			// left them.
			if rerr := tx.Rollback(ctx); rerr != nil {
				return pipeline.Artist{}, fmt.Errorf("release no-op upsert: %w", rerr)
			}
			return existing, nil
		}
		artist = merged
	case errors.Is(err, pgx.ErrNoRows):
		if artist.Version == 0 {
			artist.Version = 1
		}
	default:
		_ = tx.Rollback(ctx)
		return pipeline.Artist{}, fmt.Errorf("load artist for merge: %w", err)
	}

	artist.UpdatedAt = s.clock.Now()
	if err := s.writeArtist(ctx, tx, artist); err != nil {
		_ = tx.Rollback(ctx)
		return pipeline.Artist{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return pipeline.Artist{}, fmt.Errorf("commit upsert: %w", err)
	}

	if err := s.emit(ctx, pipeline.ChangeUpsert, artist.ID, artist.Version); err != nil {
		return pipeline.Artist{}, err
	}
	return artist, nil
}

// GetArtist returns a record by id.
func (s *PrimaryStore) GetArtist(ctx context.Context, id string) (pipeline.Artist, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM artists WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Artist{}, fmt.Errorf("artist %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Artist{}, fmt.Errorf("get artist: %w", err)
	}
	var artist pipeline.Artist
	if err := json.Unmarshal(doc, &artist); err != nil {
		return pipeline.Artist{}, fmt.Errorf("decode stored artist: %w", err)
	}
	return artist, nil
}

// DeleteArtist suppresses a record rather than hard-deleting it, then
// emits a delete event so the index drops the document.
func (s *PrimaryStore) DeleteArtist(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM artists WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("artist %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("load artist for delete: %w", err)
	}
	var artist pipeline.Artist
	if err := json.Unmarshal(doc, &artist); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("decode stored artist: %w", err)
	}
	artist.Suppressed = true
	artist.Version++
	artist.UpdatedAt = s.clock.Now()
	if err := s.writeArtist(ctx, tx, artist); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	return s.emit(ctx, pipeline.ChangeDelete, id, artist.Version)
}

// ListArtists returns records ordered by id for stable pagination. A
// non-positive limit returns everything past the offset.
func (s *PrimaryStore) ListArtists(ctx context.Context, limit, offset int) ([]pipeline.Artist, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM artists ORDER BY id LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list artists: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Artist
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan artist row: %w", err)
		}
		var artist pipeline.Artist
		if err := json.Unmarshal(doc, &artist); err != nil {
			return nil, fmt.Errorf("decode stored artist: %w", err)
		}
		out = append(out, artist)
	}
	return out, rows.Err()
}

// UpsertStudio stores a studio record keyed by id.
func (s *PrimaryStore) UpsertStudio(ctx context.Context, studio pipeline.Studio) (pipeline.Studio, error) {
	if studio.ID == "" {
		return pipeline.Studio{}, fmt.Errorf("studio id is required")
	}
	studio.UpdatedAt = s.clock.Now()
	doc, err := json.Marshal(studio)
	if err != nil {
		return pipeline.Studio{}, fmt.Errorf("encode studio: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO studios (id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		studio.ID, doc, studio.UpdatedAt)
	if err != nil {
		return pipeline.Studio{}, fmt.Errorf("upsert studio: %w", err)
	}
	return studio, nil
}

// GetStudio returns a studio by id.
func (s *PrimaryStore) GetStudio(ctx context.Context, id string) (pipeline.Studio, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM studios WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Studio{}, fmt.Errorf("studio %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Studio{}, fmt.Errorf("get studio: %w", err)
	}
	var studio pipeline.Studio
	if err := json.Unmarshal(doc, &studio); err != nil {
		return pipeline.Studio{}, fmt.Errorf("decode stored studio: %w", err)
	}
	return studio, nil
}

// ListStudios returns studios ordered by id.
func (s *PrimaryStore) ListStudios(ctx context.Context, limit, offset int) ([]pipeline.Studio, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM studios ORDER BY id LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list studios: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Studio
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan studio row: %w", err)
		}
		var studio pipeline.Studio
		if err := json.Unmarshal(doc, &studio); err != nil {
			return nil, fmt.Errorf("decode stored studio: %w", err)
		}
		out = append(out, studio)
	}
	return out, rows.Err()
}

func (s *PrimaryStore) writeArtist(ctx context.Context, tx pgx.Tx, artist pipeline.Artist) error {
	doc, err := json.Marshal(artist)
	if err != nil {
		return fmt.Errorf("encode artist: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO artists (id, doc, version, suppressed, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET doc = EXCLUDED.doc,
			version = EXCLUDED.version,
			suppressed = EXCLUDED.suppressed,
			updated_at = EXCLUDED.updated_at`,
		artist.ID, doc, artist.Version, artist.Suppressed, artist.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write artist: %w", err)
	}
	return nil
}

func (s *PrimaryStore) emit(ctx context.Context, kind pipeline.ChangeKind, artistID string, version int64) error {
	if s.feed == nil {
		return nil
	}
	event := pipeline.ChangeEvent{
		Shard:      s.shard,
		Kind:       kind,
		ArtistID:   artistID,
		Version:    version,
		OccurredAt: s.clock.Now(),
	}
	if err := s.feed.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}
