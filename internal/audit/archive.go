package audit

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/logging"
)

// Uploader stores one local file under an object key.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

// MinIO uploads audit artefacts to an S3-compatible bucket.
type MinIO struct {
	client     *minio.Client
	bucketName string
	log        *logging.Logger
}

// NewMinIO builds an uploader from the archive settings. It returns nil when no archive
// endpoint is configured.
func NewMinIO(cfg config.AuditConfig, logger *logging.Logger) (*MinIO, error) {
	if cfg.ArchiveEndpoint == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	client, err := minio.New(cfg.ArchiveEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, ""),
		Secure: cfg.ArchiveSecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIO{client: client, bucketName: cfg.ArchiveBucket, log: logger.With(logging.String("component", "audit_archive"))}, nil
}

// CheckBucket creates the bucket when it does not exist yet.
func (p *MinIO) CheckBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		p.log.Info("archive bucket does not exist, creating", logging.String("bucket", p.bucketName))
		if err := p.client.MakeBucket(ctx, p.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Upload stores the file under key.
func (p *MinIO) Upload(ctx context.Context, key, localPath string) error {
	if _, err := p.client.FPutObject(ctx, p.bucketName, key, localPath, minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// ArchiveSegment uploads every file of a finished segment under "<segment>/<file>".
func ArchiveSegment(ctx context.Context, uploader Uploader, segmentDir string) (int, error) {
	entries, err := os.ReadDir(segmentDir)
	if err != nil {
		return 0, err
	}
	prefix := filepath.Base(segmentDir)
	uploaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := path.Join(prefix, entry.Name())
		if err := uploader.Upload(ctx, key, filepath.Join(segmentDir, entry.Name())); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}
