package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// OSSConfig locates the Aliyun OSS bucket holding review photos.
type OSSConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	PublicBase string
	Prefix     string
}

type objectBucket interface {
	PutObject(objectKey string, reader io.Reader, options ...oss.Option) error
	DeleteObject(objectKey string, options ...oss.Option) error
}

// OSSStore keeps photos in an Aliyun OSS bucket.
type OSSStore struct {
	bucket     objectBucket
	publicBase string
	prefix     string
	normalizer Normalizer
	clock      func() time.Time
}

// NewOSSStore connects to the configured bucket.
func NewOSSStore(cfg OSSConfig, normalizer Normalizer) (*OSSStore, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("oss.New: %w", err)
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("client.Bucket: %w", err)
	}
	return newOSSStore(bucket, cfg, normalizer), nil
}

func newOSSStore(bucket objectBucket, cfg OSSConfig, normalizer Normalizer) *OSSStore {
	publicBase := strings.TrimRight(strings.TrimSpace(cfg.PublicBase), "/")
	if publicBase == "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
		publicBase = fmt.Sprintf("https://%s.%s", cfg.Bucket, endpoint)
	}
	return &OSSStore{
		bucket:     bucket,
		publicBase: publicBase,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		normalizer: normalizer,
		clock:      time.Now,
	}
}

// Save normalises the upload and puts it under a dated key.
func (s *OSSStore) Save(ctx context.Context, upload Upload) (StoredPhoto, error) {
	encoded, err := s.normalizer.Normalize(upload.Content)
	if err != nil {
		return StoredPhoto{}, err
	}
	name, err := newObjectName()
	if err != nil {
		return StoredPhoto{}, err
	}
	key := path.Join(s.prefix, s.clock().UTC().Format("20060102"), name)

	err = s.bucket.PutObject(key, bytes.NewReader(encoded),
		oss.WithContext(ctx),
		oss.ContentType(storedMediaType),
		oss.ContentDisposition("inline"),
		oss.CacheControl("public, max-age=31536000, immutable"),
	)
	if err != nil {
		return StoredPhoto{}, fmt.Errorf("media: put object: %w", err)
	}
	return StoredPhoto{
		URL:      s.publicBase + "/" + key,
		Key:      key,
		FileName: cleanFileName(upload.FileName),
	}, nil
}

// Delete removes an object by its public URL. URLs outside the bucket are ignored.
func (s *OSSStore) Delete(ctx context.Context, fileURL string) error {
	base := s.publicBase + "/"
	if !strings.HasPrefix(fileURL, base) {
		return nil
	}
	key := strings.TrimPrefix(fileURL, base)
	if key == "" {
		return nil
	}
	if err := s.bucket.DeleteObject(key, oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("media: delete object: %w", err)
	}
	return nil
}
