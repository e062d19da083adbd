// Copyright 2025 James Ross

// Package artifacts implements the Artifact Store (C2): a flat blob
// namespace for per-stage JSON/HTML outputs, backed by S3 (or an
// S3-compatible endpoint such as MinIO/LocalStack) the way the rest of
// this codebase's internal/long-term-archives/s3_exporter.go already
// talks to S3 for durable object storage.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// Config mirrors the shape of long-term-archives.S3Config for the
// fields this store actually needs.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ResultsPrefix   string
}

type Store struct {
	cfg      Config
	s3Client *s3.S3
	uploader *s3manager.Uploader
	log      *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create aws session: %w", err)
	}
	return &Store{
		cfg:      cfg,
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		log:      log,
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.s3Client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	return err
}

// EnsureContainer is idempotent: it creates the bucket, swallowing
// "already exists"/"already owned by you" errors.
func (s *Store) EnsureContainer(ctx context.Context) error {
	_, err := s.s3Client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeBucketAlreadyExists, s3.ErrCodeBucketAlreadyOwnedByYou:
			return nil
		}
	}
	return fmt.Errorf("artifacts: ensure container: %w", err)
}

// ResultsPath joins parts under the configured results prefix, matching
// the <results-prefix>/<query-slug>/<job-id>/<filename> schema.
func (s *Store) ResultsPath(parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	if s.cfg.ResultsPrefix != "" {
		segments = append(segments, strings.Trim(s.cfg.ResultsPrefix, "/"))
	}
	for _, p := range parts {
		if p != "" {
			segments = append(segments, strings.Trim(p, "/"))
		}
	}
	return strings.Join(segments, "/")
}

func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("artifacts: put %s: %w", path, err)
	}
	return nil
}

// blobNameVariants returns plausible name variants for prefix drift
// tolerance, preserving order and deduping, mirroring
// results.py::_blob_name_variants exactly: the raw name, the name with a
// doubled prefix collapsed to one, and the name with the prefix
// stripped/added depending on whether it's already present.
func (s *Store) blobNameVariants(name string) []string {
	n := strings.Trim(name, "/")
	prefix := strings.Trim(s.cfg.ResultsPrefix, "/")

	variants := []string{n}
	if prefix != "" {
		double := prefix + "/" + prefix + "/"
		if strings.HasPrefix(n, double) {
			variants = append(variants, n[len(prefix)+1:])
		}
		if strings.HasPrefix(n, prefix+"/") {
			variants = append(variants, n[len(prefix)+1:])
		} else {
			variants = append(variants, prefix+"/"+n)
		}
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

// GetJSON returns the decoded object, or nil if no blob-name variant
// exists.
func (s *Store) GetJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	for _, candidate := range s.blobNameVariants(path) {
		data, err := s.getObject(ctx, candidate)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("artifacts: get_json %s: %w", candidate, err)
		}
		var out map[string]interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("artifacts: invalid json in %s: %w", candidate, err)
		}
		return out, nil
	}
	return nil, nil
}

// Download writes the blob to w, trying prefix-drift variants
// in order. Returns false, nil if no variant exists.
func (s *Store) Download(ctx context.Context, path string, w io.Writer) (bool, error) {
	for _, candidate := range s.blobNameVariants(path) {
		data, err := s.getObject(ctx, candidate)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("artifacts: download %s: %w", candidate, err)
		}
		if _, err := w.Write(data); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

type ListEntry struct {
	Name         string
	LastModified time.Time
}

func (s *Store) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	var entries []ListEntry
	err := s.s3Client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			e := ListEntry{Name: *obj.Key}
			if obj.LastModified != nil {
				e.LastModified = *obj.LastModified
			}
			entries = append(entries, e)
		}
		return !lastPage
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: list %s: %w", prefix, err)
	}
	return entries, nil
}

// FindLatestJobForQuery mirrors results.py::find_latest_job_for_query:
// among all jobs under a query slug, prefer the most recently modified
// job that has a report artifact, falling back to one with a snowball
// artifact, falling back to the most recently modified job of any kind.
func (s *Store) FindLatestJobForQuery(ctx context.Context, querySlug string) (string, error) {
	prefix := s.ResultsPath(querySlug) + "/"
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return "", err
	}
	return latestJobFromEntries(entries, prefix), nil
}

func latestJobFromEntries(entries []ListEntry, prefix string) string {
	lastModified := map[string]time.Time{}
	hasReport := map[string]bool{}
	hasSnowball := map[string]bool{}
	for _, e := range entries {
		suffix := strings.TrimPrefix(e.Name, prefix)
		parts := strings.SplitN(suffix, "/", 2)
		if len(parts) == 0 || parts[0] == "" {
			continue
		}
		jobID := parts[0]
		if e.LastModified.After(lastModified[jobID]) {
			lastModified[jobID] = e.LastModified
		}
		fileName := suffix
		if idx := strings.LastIndex(suffix, "/"); idx >= 0 {
			fileName = suffix[idx+1:]
		}
		switch {
		case fileName == "snowball.json":
			hasSnowball[jobID] = true
		case strings.HasPrefix(fileName, "report_top_k") && strings.HasSuffix(fileName, ".json"):
			hasReport[jobID] = true
		}
	}
	if len(lastModified) == 0 {
		return ""
	}
	candidates := hasReport
	if len(candidates) == 0 {
		candidates = hasSnowball
	}
	if len(candidates) == 0 {
		best := ""
		var bestTime time.Time
		for id, t := range lastModified {
			if best == "" || t.After(bestTime) {
				best, bestTime = id, t
			}
		}
		return best
	}
	best := ""
	var bestTime time.Time
	for id := range candidates {
		t := lastModified[id]
		if best == "" || t.After(bestTime) {
			best, bestTime = id, t
		}
	}
	return best
}
