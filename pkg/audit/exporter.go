package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	// ErrEmptyRunID is returned when an export is requested without a run.
	ErrEmptyRunID = errors.New("audit: run_id must not be empty")
	// ErrLogNotConfigured is returned when export is invoked without a
	// queryable log (fail-closed).
	ErrLogNotConfigured = errors.New("audit: log not configured")
)

// ArchiveBundle is the exported, checksummed record of one run.
type ArchiveBundle struct {
	RunID       string    `json:"runId"`
	GeneratedAt time.Time `json:"generatedAt"`
	Checksum    string    `json:"checksum"`
	EventCount  int       `json:"eventCount"`
	Events      []Event   `json:"events"`
}

// S3ExporterConfig configures the archive destination.
type S3ExporterConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string // optional key prefix, e.g. "audit/"
}

// S3Exporter archives a run's audit trail to object storage for out-of-band
// investigation and retention.
type S3Exporter struct {
	log    Log
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Exporter builds an exporter over the given queryable log.
func NewS3Exporter(ctx context.Context, log Log, cfg S3ExporterConfig) (*S3Exporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Exporter{log: log, client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Export bundles and uploads the run's events, returning the bundle and its
// object key. The bundle checksum covers the serialized event sequence so
// the archive can be verified independently.
func (e *S3Exporter) Export(ctx context.Context, runID string) (*ArchiveBundle, string, error) {
	if runID == "" {
		return nil, "", ErrEmptyRunID
	}
	if e.log == nil {
		return nil, "", ErrLogNotConfigured
	}

	events, err := e.log.Query(ctx, runID)
	if err != nil {
		return nil, "", fmt.Errorf("query run %s: %w", runID, err)
	}

	serialized, err := json.Marshal(events)
	if err != nil {
		return nil, "", fmt.Errorf("serialize run %s: %w", runID, err)
	}
	sum := sha256.Sum256(serialized)

	bundle := &ArchiveBundle{
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
		Checksum:    hex.EncodeToString(sum[:]),
		EventCount:  len(events),
		Events:      events,
	}

	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, "", fmt.Errorf("serialize bundle %s: %w", runID, err)
	}

	key := fmt.Sprintf("%s%s.json", e.prefix, runID)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, "", fmt.Errorf("upload bundle %s: %w", runID, err)
	}
	return bundle, key, nil
}
