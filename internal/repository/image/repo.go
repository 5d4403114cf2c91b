package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

var (
	ErrImageNotFound    = errors.New("image not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Repository persists source images and derived artifacts.
type Repository struct {
	db *dbpg.DB
}

func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveSource(ctx context.Context, img model.SourceImage) error {
	query := `
		INSERT INTO source_images (id, owner_id, filename, content_hash, size_bytes, mime_type, format, width, height, storage_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(
		ctx, query,
		img.ID, img.OwnerID, img.Filename, img.ContentHash, img.SizeBytes,
		img.MIMEType, img.Format, img.Width, img.Height, img.StorageKey,
	)
	if err != nil {
		return fmt.Errorf("save: failed to save source image: %w", err)
	}
	return nil
}

func (r *Repository) GetSource(ctx context.Context, id uuid.UUID) (model.SourceImage, error) {
	query := `
		SELECT owner_id, filename, content_hash, size_bytes, mime_type, format, width, height, storage_key, created_at
		FROM source_images
		WHERE id = $1
	`

	var img model.SourceImage
	img.ID = id
	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&img.OwnerID, &img.Filename, &img.ContentHash, &img.SizeBytes,
		&img.MIMEType, &img.Format, &img.Width, &img.Height, &img.StorageKey, &img.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SourceImage{}, ErrImageNotFound
		}
		return model.SourceImage{}, fmt.Errorf("get: failed to get source image: %w", err)
	}
	return img, nil
}

func (r *Repository) DeleteSource(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM source_images WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete source image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}

// SaveArtifact upserts by fingerprint: recomputation after cache
// eviction produces an identical artifact, so the existing row wins.
func (r *Repository) SaveArtifact(ctx context.Context, a model.Artifact) error {
	query := `
		INSERT INTO artifacts (id, fingerprint, source_id, storage_key, size_bytes, format, width, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint) DO NOTHING
	`
	_, err := r.db.ExecContext(
		ctx, query,
		a.ID, a.Fingerprint, a.SourceID, a.StorageKey, a.SizeBytes, a.Format, a.Width, a.Height,
	)
	if err != nil {
		return fmt.Errorf("save: failed to save artifact: %w", err)
	}
	return nil
}

func (r *Repository) GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error) {
	query := `
		SELECT fingerprint, source_id, storage_key, size_bytes, format, width, height, created_at
		FROM artifacts
		WHERE id = $1
	`

	var a model.Artifact
	a.ID = id
	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&a.Fingerprint, &a.SourceID, &a.StorageKey, &a.SizeBytes, &a.Format, &a.Width, &a.Height, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Artifact{}, ErrArtifactNotFound
		}
		return model.Artifact{}, fmt.Errorf("get: failed to get artifact: %w", err)
	}
	return a, nil
}

// GetArtifactByFingerprint lets a fresh process reuse artifacts
// computed before a restart (or by another node) instead of
// recomputing them.
func (r *Repository) GetArtifactByFingerprint(ctx context.Context, fingerprint string) (model.Artifact, error) {
	query := `
		SELECT id, source_id, storage_key, size_bytes, format, width, height, created_at
		FROM artifacts
		WHERE fingerprint = $1
	`

	var a model.Artifact
	a.Fingerprint = fingerprint
	err := r.db.Master.QueryRowContext(ctx, query, fingerprint).Scan(
		&a.ID, &a.SourceID, &a.StorageKey, &a.SizeBytes, &a.Format, &a.Width, &a.Height, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Artifact{}, ErrArtifactNotFound
		}
		return model.Artifact{}, fmt.Errorf("get: failed to get artifact by fingerprint: %w", err)
	}
	return a, nil
}
