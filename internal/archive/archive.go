// Package archive stores recorded clips and synthesized replies in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
)

// Kinds of archived audio.
const (
	KindClip  = "clips"
	KindReply = "replies"
)

// Config for the bucket connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Insecure  bool
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive uploads audio blobs. A nil *Archive is valid and stores nothing.
type Archive struct {
	client objectPutter
	bucket string
	host   string
	log    *zap.SugaredLogger
	now    func() time.Time
}

// New connects to the bucket and checks that it exists.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		host:   scheme + "://" + cfg.Endpoint,
		log:    logger,
		now:    time.Now,
	}, nil
}

// Put uploads the blob under <kind>/<user>/<uuid>.<ext> and returns its URL.
func (a *Archive) Put(ctx context.Context, kind, userID string, blob audio.Blob) (string, error) {
	if a == nil {
		return "", nil
	}

	key := path.Join(kind, userID, uuid.NewString()+audio.Extension(blob.MimeType))
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(blob.Data), int64(blob.Len()), minio.PutObjectOptions{
		ContentType:  blob.MimeType,
		UserMetadata: map[string]string{"uploaded-at": a.now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}

	a.log.Debugw("Archived audio", "key", key, "size", humanize.Bytes(uint64(blob.Len())))
	return a.publicURL(key), nil
}

func (a *Archive) publicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", a.host, a.bucket, (&url.URL{Path: key}).EscapedPath())
}
