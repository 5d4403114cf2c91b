package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceImage represents an uploaded original image. It is immutable
// after upload; derived artifacts reference it, never mutate it.
type SourceImage struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Filename    string    `json:"filename"`
	ContentHash string    `json:"content_hash"` // hash of the raw bytes
	SizeBytes   int64     `json:"size_bytes"`
	MIMEType    string    `json:"mime_type"` // detected, not declared
	Format      string    `json:"format"`    // "jpeg", "png", ...
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	StorageKey  string    `json:"storage_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// Artifact is the result of applying one canonical pipeline to one
// source image at a given output format. Keyed by fingerprint;
// recreated on demand if evicted from the cache.
type Artifact struct {
	ID          uuid.UUID `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	SourceID    uuid.UUID `json:"source_id"`
	StorageKey  string    `json:"storage_key"`
	SizeBytes   int64     `json:"size_bytes"`
	Format      string    `json:"format"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	CreatedAt   time.Time `json:"created_at"`
}
