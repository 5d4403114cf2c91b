// Package transform is the orchestration core: it validates requests,
// routes them to the synchronous or asynchronous path, memoizes derived
// artifacts by fingerprint and executes jobs on behalf of the workers.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/gidorah/image-processing-service-api/internal/cache"
	"github.com/gidorah/image-processing-service-api/internal/engine"
	"github.com/gidorah/image-processing-service-api/internal/job"
	"github.com/gidorah/image-processing-service-api/internal/metrics"
	"github.com/gidorah/image-processing-service-api/internal/model"
	"github.com/gidorah/image-processing-service-api/internal/pipeline"
	imagerepo "github.com/gidorah/image-processing-service-api/internal/repository/image"
)

// ErrUnsupportedImage is returned when uploaded bytes cannot be decoded
// as a supported raster image.
var ErrUnsupportedImage = errors.New("unsupported or corrupt image")

// fileStorage defines the interface for the object storage collaborator.
type fileStorage interface {
	Save(ctx context.Context, key, contentType string, src io.Reader, size int64) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// imageRepository defines the interface for source image and artifact metadata.
type imageRepository interface {
	SaveSource(ctx context.Context, img model.SourceImage) error
	GetSource(ctx context.Context, id uuid.UUID) (model.SourceImage, error)
	DeleteSource(ctx context.Context, id uuid.UUID) error
	SaveArtifact(ctx context.Context, a model.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error)
	GetArtifactByFingerprint(ctx context.Context, fingerprint string) (model.Artifact, error)
}

// Options bound requests and place the synchronous/asynchronous split.
type Options struct {
	MaxOperations int
	MaxPixelDim   int
	SyncThreshold int64 // estimated cost above which execution goes async
}

// Service wires the orchestration core together.
type Service struct {
	repo    imageRepository
	storage fileStorage
	jobs    *job.Manager
	cache   *cache.Cache
	engine  *engine.Engine
	metrics *metrics.Metrics
	opts    Options
}

// NewService creates the transformation service.
func NewService(
	repo imageRepository,
	fs fileStorage,
	jobs *job.Manager,
	c *cache.Cache,
	e *engine.Engine,
	m *metrics.Metrics,
	opts Options,
) *Service {
	return &Service{
		repo:    repo,
		storage: fs,
		jobs:    jobs,
		cache:   c,
		engine:  e,
		metrics: m,
		opts:    opts,
	}
}

// UploadSource validates uploaded bytes, extracts metadata, stores the
// bytes content-addressed and records the source image. Sources are
// immutable after this point.
func (s *Service) UploadSource(ctx context.Context, ownerID uuid.UUID, filename string, r io.Reader) (model.SourceImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.SourceImage{}, fmt.Errorf("upload: failed to read file: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.SourceImage{}, fmt.Errorf("upload: %w: %v", ErrUnsupportedImage, err)
	}

	hash := pipeline.ContentHash(data)
	key := "sources/" + hash + "/" + filename

	if _, err := s.storage.Save(ctx, key, "image/"+format, bytes.NewReader(data), int64(len(data))); err != nil {
		return model.SourceImage{}, fmt.Errorf("upload: failed to save file: %w", err)
	}

	img := model.SourceImage{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Filename:    filename,
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
		MIMEType:    "image/" + format,
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		StorageKey:  key,
	}
	if err := s.repo.SaveSource(ctx, img); err != nil {
		return model.SourceImage{}, fmt.Errorf("upload: failed to save source image: %w", err)
	}

	return img, nil
}

// SubmitRequest is one transformation request. The caller's identity
// and ownership of the source were already checked upstream.
type SubmitRequest struct {
	OwnerID      uuid.UUID
	SourceID     uuid.UUID
	Operations   []model.OperationSpec
	OutputFormat string // empty keeps the source format
	Async        bool   // explicit client request for a background job
}

// Result is either an artifact (synchronous path) or a job handle
// (asynchronous path); exactly one field is set.
type Result struct {
	Artifact *model.Artifact
	Job      *model.Job
}

// Submit routes a transformation request. A cache hit short-circuits
// execution entirely regardless of cost. Otherwise the request runs
// inline when the estimated cost is under the threshold and the caller
// did not ask for async handling; a costly request is promoted to a
// job even if the caller wanted a synchronous answer, and the returned
// handle makes the promotion explicit.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	outputFormat := req.OutputFormat
	if outputFormat == "jpg" {
		outputFormat = "jpeg"
	}
	if outputFormat != "" && !pipeline.Formats[outputFormat] {
		return Result{}, &pipeline.ValidationError{
			Kind: model.OpConvertFormat, Field: "output_format",
			Reason: fmt.Sprintf("unsupported format %q", outputFormat),
		}
	}

	src, err := s.repo.GetSource(ctx, req.SourceID)
	if err != nil {
		return Result{}, err
	}

	p, err := pipeline.Build(req.Operations, s.limits())
	if err != nil {
		return Result{}, err
	}

	fp := pipeline.Fingerprint(src.ContentHash, p, outputFormat)
	if art, ok := s.cache.Lookup(fp); ok {
		s.metrics.IncCacheHit()
		return Result{Artifact: &art}, nil
	}

	cost := engine.EstimateCost(p, src.Width, src.Height)
	if req.Async || cost > s.opts.SyncThreshold {
		j := model.Job{
			ID:           uuid.New(),
			OwnerID:      req.OwnerID,
			SourceID:     req.SourceID,
			Operations:   req.Operations, // pre-canonicalization, for audit
			OutputFormat: outputFormat,
			State:        model.JobPending,
		}
		if err := s.jobs.Enqueue(ctx, j); err != nil {
			return Result{}, fmt.Errorf("submit: failed to enqueue job: %w", err)
		}
		return Result{Job: &j}, nil
	}

	art, err := s.compute(ctx, fp, src, p, outputFormat)
	if err != nil {
		return Result{}, err
	}
	return Result{Artifact: &art}, nil
}

// Execute runs one claimed job's pipeline. The worker pool calls this;
// results land in the same cache the synchronous path uses, so an
// identical request arriving on either path never computes twice.
func (s *Service) Execute(ctx context.Context, j model.Job) (model.Artifact, error) {
	src, err := s.repo.GetSource(ctx, j.SourceID)
	if err != nil {
		return model.Artifact{}, err
	}

	p, err := pipeline.Build(j.Operations, s.limits())
	if err != nil {
		return model.Artifact{}, err
	}

	fp := pipeline.Fingerprint(src.ContentHash, p, j.OutputFormat)
	if art, ok := s.cache.Lookup(fp); ok {
		s.metrics.IncCacheHit()
		return art, nil
	}
	return s.compute(ctx, fp, src, p, j.OutputFormat)
}

// compute is the single-flight miss path: run the engine, persist the
// artifact bytes and metadata, then let the cache publish the entry.
// Concurrent identical requests wait on this computation instead of
// repeating it.
func (s *Service) compute(ctx context.Context, fp string, src model.SourceImage, p pipeline.Pipeline, outputFormat string) (model.Artifact, error) {
	return s.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (model.Artifact, error) {
		s.metrics.IncCacheMiss()

		// An artifact computed before a restart (or by another node)
		// may already exist; reuse it instead of re-running the engine.
		if art, err := s.repo.GetArtifactByFingerprint(ctx, fp); err == nil {
			return art, nil
		}

		rc, err := s.storage.Load(ctx, src.StorageKey)
		if err != nil {
			return model.Artifact{}, fmt.Errorf("compute: failed to load source: %w", err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return model.Artifact{}, fmt.Errorf("compute: failed to read source: %w", err)
		}

		start := time.Now()
		derived, err := s.engine.Apply(data, p, outputFormat)
		if err != nil {
			return model.Artifact{}, err
		}
		s.metrics.ObserveTransform(time.Since(start))

		cfg, format, err := image.DecodeConfig(bytes.NewReader(derived))
		if err != nil {
			return model.Artifact{}, fmt.Errorf("compute: failed to inspect derived image: %w", err)
		}

		key := "derived/" + fp + "." + format
		if _, err := s.storage.Save(ctx, key, "image/"+format, bytes.NewReader(derived), int64(len(derived))); err != nil {
			return model.Artifact{}, fmt.Errorf("compute: failed to save artifact: %w", err)
		}

		art := model.Artifact{
			ID:          uuid.New(),
			Fingerprint: fp,
			SourceID:    src.ID,
			StorageKey:  key,
			SizeBytes:   int64(len(derived)),
			Format:      format,
			Width:       cfg.Width,
			Height:      cfg.Height,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.repo.SaveArtifact(ctx, art); err != nil {
			return model.Artifact{}, fmt.Errorf("compute: failed to save artifact metadata: %w", err)
		}
		return art, nil
	})
}

// JobStatus returns the current job record.
func (s *Service) JobStatus(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return s.jobs.Get(ctx, id)
}

// CancelJob cancels a pending job immediately; a running job finishes
// its current pipeline first.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) error {
	return s.jobs.Cancel(ctx, id)
}

// GetSource returns source metadata and a reader over its bytes.
func (s *Service) GetSource(ctx context.Context, id uuid.UUID) (model.SourceImage, io.ReadCloser, error) {
	img, err := s.repo.GetSource(ctx, id)
	if err != nil {
		return model.SourceImage{}, nil, err
	}
	rc, err := s.storage.Load(ctx, img.StorageKey)
	if err != nil {
		return model.SourceImage{}, nil, fmt.Errorf("get: failed to load source bytes: %w", err)
	}
	return img, rc, nil
}

// GetArtifact returns artifact metadata and a reader over its bytes.
func (s *Service) GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, io.ReadCloser, error) {
	art, err := s.repo.GetArtifact(ctx, id)
	if err != nil {
		return model.Artifact{}, nil, err
	}
	rc, err := s.storage.Load(ctx, art.StorageKey)
	if err != nil {
		return model.Artifact{}, nil, fmt.Errorf("get: failed to load artifact bytes: %w", err)
	}
	return art, rc, nil
}

// DeleteSource removes a source image and its stored bytes. Derived
// artifacts are cleaned up by the metadata store's cascade.
func (s *Service) DeleteSource(ctx context.Context, id uuid.UUID) error {
	img, err := s.repo.GetSource(ctx, id)
	if err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, img.StorageKey); err != nil {
		return fmt.Errorf("delete: failed to delete source bytes: %w", err)
	}
	if err := s.repo.DeleteSource(ctx, id); err != nil && !errors.Is(err, imagerepo.ErrImageNotFound) {
		return err
	}
	return nil
}

func (s *Service) limits() pipeline.Limits {
	return pipeline.Limits{
		MaxOperations: s.opts.MaxOperations,
		MaxPixelDim:   s.opts.MaxPixelDim,
	}
}
