package intake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BodySource fetches the raw message stored by the inbound mail receiver.
type BodySource interface {
	Fetch(ctx context.Context, messageID string) ([]byte, error)
}

// ObjectSource reads raw messages from an S3-compatible bucket under
// prefix/<messageID>.
type ObjectSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// ObjectConfig addresses the raw message bucket.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// NewObjectSource connects to the object store.
func NewObjectSource(cfg ObjectConfig) (*ObjectSource, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object source: empty bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return &ObjectSource{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key for a message id.
func (s *ObjectSource) Key(messageID string) string {
	return path.Join(s.prefix, messageID)
}

func (s *ObjectSource) Fetch(ctx context.Context, messageID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.Key(messageID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", messageID, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", messageID, err)
	}
	return data, nil
}

// Check confirms the bucket exists and is readable with the configured
// credentials.
func (s *ObjectSource) Check(ctx context.Context) (string, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return "", fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return "bucket present", nil
}

// DirSource reads raw messages from files named by message id.
type DirSource struct {
	Dir string
}

func (s DirSource) Fetch(_ context.Context, messageID string) ([]byte, error) {
	if messageID == "" || strings.ContainsAny(messageID, `/\`) || messageID == ".." {
		return nil, fmt.Errorf("invalid message id %q", messageID)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, messageID))
	if err != nil {
		return nil, fmt.Errorf("read message %s: %w", messageID, err)
	}
	return data, nil
}
