// Package sink persists terminal task outcomes. Its handlers plug into the
// engine's success and error hooks: page bodies go to the blob store, one
// record per task goes to the fetch store, and a copy of the record is
// published for downstream consumers.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// DefaultContentType labels stored page bodies when the response had none.
const DefaultContentType = "text/html; charset=utf-8"

// Config controls blob naming and publishing.
type Config struct {
	// Prefix is prepended to every blob path.
	Prefix string
	// Topic receives one message per record; empty uses the publisher default.
	Topic string
}

// Deps bundles the collaborators. Blobs, Fetches and Publisher are optional.
type Deps struct {
	Blobs     crawler.BlobStore
	Fetches   crawler.FetchStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	// RunID reports the engine run the outcome belongs to.
	RunID  func() string
	Logger *zap.Logger
}

// Sink turns pages and failures into persisted FetchRecords.
type Sink struct {
	cfg  Config
	deps Deps
}

// New validates deps and returns a Sink.
func New(cfg Config, deps Deps) (*Sink, error) {
	if deps.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.RunID == nil {
		deps.RunID = func() string { return "" }
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Sink{cfg: cfg, deps: deps}, nil
}

// HandleSuccess is a crawler.SuccessFunc.
func (s *Sink) HandleSuccess(ctx context.Context, page crawler.Page) {
	record, err := s.RecordSuccess(ctx, page)
	if err != nil {
		s.deps.Logger.Error("persist page failed",
			zap.String("url", page.URL),
			zap.String("record_id", record.ID),
			zap.Error(err),
		)
		return
	}
	s.deps.Logger.Info("page fetched",
		zap.String("url", page.URL),
		zap.Int("status_code", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
		zap.String("blob_uri", record.BlobURI),
	)
}

// HandleFailure is a crawler.ErrorFunc.
func (s *Sink) HandleFailure(ctx context.Context, url string, cause error) {
	s.deps.Logger.Error("error fetching url",
		zap.String("url", url),
		zap.Int("attempts", crawler.AttemptsOf(cause)),
		zap.Error(cause),
	)
	if _, err := s.RecordFailure(ctx, url, cause); err != nil {
		s.deps.Logger.Error("persist failure record failed", zap.String("url", url), zap.Error(err))
	}
}

// RecordSuccess stores the body, then the record, then publishes it. The
// record is returned even when a later step fails.
func (s *Sink) RecordSuccess(ctx context.Context, page crawler.Page) (crawler.FetchRecord, error) {
	record, err := s.newRecord(page.URL)
	if err != nil {
		return record, err
	}
	record.Succeeded = true
	record.FinalURL = page.FinalURL
	record.StatusCode = page.StatusCode
	record.Attempts = page.Attempt
	record.Proxy = page.Proxy
	record.Headers = page.Headers
	record.DurationMs = page.Duration.Milliseconds()

	digest, err := s.deps.Hasher.Hash(page.Body)
	if err != nil {
		return record, fmt.Errorf("hash body: %w", err)
	}
	record.ContentHash = digest

	if s.deps.Blobs != nil {
		contentType := page.Headers.Get("Content-Type")
		if contentType == "" {
			contentType = DefaultContentType
		}
		uri, err := s.deps.Blobs.PutObject(ctx, s.blobPath(record.RunID, digest), contentType, bytes.NewReader(page.Body))
		if err != nil {
			return record, fmt.Errorf("store blob: %w", err)
		}
		record.BlobURI = uri
	}
	return record, s.persist(ctx, record)
}

// RecordFailure stores and publishes a record for a task that exhausted its
// retries.
func (s *Sink) RecordFailure(ctx context.Context, url string, cause error) (crawler.FetchRecord, error) {
	record, err := s.newRecord(url)
	if err != nil {
		return record, err
	}
	record.StatusCode = crawler.StatusCodeOf(cause)
	record.Attempts = crawler.AttemptsOf(cause)
	if cause != nil {
		record.ErrorText = cause.Error()
	}
	var transportErr *crawler.TransportError
	if errors.As(cause, &transportErr) {
		record.Proxy = crawler.RedactProxy(transportErr.Proxy)
	}
	return record, s.persist(ctx, record)
}

func (s *Sink) newRecord(url string) (crawler.FetchRecord, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.FetchRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	return crawler.FetchRecord{
		ID:        id,
		RunID:     s.deps.RunID(),
		URL:       url,
		FetchedAt: s.deps.Clock.Now().UTC().Truncate(time.Millisecond),
	}, nil
}

func (s *Sink) persist(ctx context.Context, record crawler.FetchRecord) error {
	if s.deps.Fetches != nil {
		if err := s.deps.Fetches.StoreFetch(ctx, record); err != nil {
			return fmt.Errorf("store fetch record: %w", err)
		}
	}
	if s.deps.Publisher != nil {
		if _, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, record); err != nil {
			return fmt.Errorf("publish fetch record: %w", err)
		}
	}
	return nil
}

// blobPath shards by the first two digest characters:
// <prefix>/<run>/<ab>/<digest>.html
func (s *Sink) blobPath(runID, digest string) string {
	if runID == "" {
		runID = "norun"
	}
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(s.cfg.Prefix, runID, shard, digest+".html")
}
