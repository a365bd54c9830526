// Package files persists uploaded document files in object storage and
// hands back the stable reference URL recorded on the document row.
package files

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Stored struct {
	URL string
	// DisplayName is the fallback document name when the caller supplies
	// a file without an explicit name.
	DisplayName string
}

type UploadStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
}

func New(ctx context.Context, opts Options) (*UploadStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &UploadStore{
		client:        client,
		bucket:        opts.Bucket,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
	}, nil
}

func (s *UploadStore) Save(ctx context.Context, filename, contentType string, size int64, r io.Reader) (Stored, error) {
	objectName := "docs/" + uuid.New().String() + filepath.Ext(filename)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Stored{}, fmt.Errorf("store file: %w", err)
	}
	return Stored{
		URL:         fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, objectName),
		DisplayName: DisplayName(filename),
	}, nil
}

// DisplayName derives a document name from an uploaded filename.
func DisplayName(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "Untitled document"
	}
	return name
}
