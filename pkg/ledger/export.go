package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Checkpoint is the out-of-band attestation record produced by sealing a
// ledger. Publishing it externally lets auditors detect truncation or
// rewrite of the local chain.
type Checkpoint struct {
	LedgerID       string    `json:"ledger_id"`
	CheckpointHash string    `json:"checkpoint_hash"`
	BlockCount     int       `json:"block_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// CheckpointExporter publishes checkpoints to external storage.
type CheckpointExporter interface {
	Export(ctx context.Context, cp Checkpoint) (string, error)
}

// NewCheckpoint seals the ledger and packages the result for export.
func NewCheckpoint(l *Sealed, ledgerID string) (Checkpoint, error) {
	hash, err := l.Seal()
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		LedgerID:       ledgerID,
		CheckpointHash: hash,
		BlockCount:     l.Len(),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// S3Exporter publishes checkpoints to an S3 bucket.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ExporterConfig holds configuration for S3Exporter.
type S3ExporterConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Exporter creates an S3-backed checkpoint exporter.
func NewS3Exporter(ctx context.Context, cfg S3ExporterConfig) (*S3Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ledger: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Exporter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Export uploads the checkpoint and returns the object key.
func (e *S3Exporter) Export(ctx context.Context, cp Checkpoint) (string, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal checkpoint: %w", err)
	}
	key := checkpointKey(e.prefix, cp)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: s3 export: %w", err)
	}
	return key, nil
}

// GCSExporter publishes checkpoints to a Google Cloud Storage bucket.
type GCSExporter struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSExporter creates a GCS-backed checkpoint exporter using application
// default credentials.
func NewGCSExporter(ctx context.Context, bucket, prefix string) (*GCSExporter, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: create GCS client: %w", err)
	}
	return &GCSExporter{client: client, bucket: bucket, prefix: prefix}, nil
}

// Export uploads the checkpoint and returns the object key.
func (e *GCSExporter) Export(ctx context.Context, cp Checkpoint) (string, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal checkpoint: %w", err)
	}
	key := checkpointKey(e.prefix, cp)
	w := e.client.Bucket(e.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("ledger: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("ledger: gcs close: %w", err)
	}
	return key, nil
}

func checkpointKey(prefix string, cp Checkpoint) string {
	return fmt.Sprintf("%s%s/%d-%s.json", prefix, cp.LedgerID, cp.BlockCount, cp.CheckpointHash[:16])
}
