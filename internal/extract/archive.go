package extract

import (
	"context"
	"errors"
	"fmt"
	"path"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/config"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// Archiver keeps extracted files beyond the run's staging area.
type Archiver interface {
	Archive(ctx context.Context, key string, f ExtractedFile) error
}

// ObjectKey is the archive key of a tender's attachment file.
func ObjectKey(portalID, fingerprint, name string) string {
	return path.Join(portalID, fingerprint, name)
}

// ArchiveAll uploads files for a tender and returns their attachment
// descriptions with object keys set. Upload failures are logged and leave
// the key empty; attachments are best-effort.
func ArchiveAll(ctx context.Context, a Archiver, log logger.Logger, portalID, fingerprint string, files []ExtractedFile) []model.Attachment {
	atts := ToAttachments(files)
	if a == nil {
		return atts
	}
	for i, f := range files {
		key := ObjectKey(portalID, fingerprint, f.Name)
		if err := a.Archive(ctx, key, f); err != nil {
			log.Warn("Attachment archive failed",
				logger.String("portal_id", portalID),
				logger.String("object_key", key),
				logger.Error(err))
			continue
		}
		atts[i].ObjectKey = key
	}
	return atts
}

// MinIOArchiver stores attachment files in a MinIO bucket.
type MinIOArchiver struct {
	client *miniogo.Client
	bucket string
	log    logger.Logger
}

// NewMinIOArchiver connects to MinIO and ensures the bucket exists.
func NewMinIOArchiver(ctx context.Context, cfg config.MinIOConfig, log logger.Logger) (*MinIOArchiver, error) {
	if !cfg.Enabled() {
		return nil, errors.New("minio archiving not configured")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, miniogo.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	log.Info("MinIO archiver initialized",
		logger.String("endpoint", cfg.Endpoint),
		logger.String("bucket", cfg.Bucket))
	return &MinIOArchiver{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (a *MinIOArchiver) Archive(ctx context.Context, key string, f ExtractedFile) error {
	_, err := a.client.FPutObject(ctx, a.bucket, key, f.Path, miniogo.PutObjectOptions{
		ContentType: f.ContentType,
		UserMetadata: map[string]string{
			"source-url": f.SourceURL,
			"sha256":     f.SHA256,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
