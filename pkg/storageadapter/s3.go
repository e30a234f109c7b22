package storageadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3-compatible object-store backend. It is
// duplicated in the root config package as the user-facing shape; this
// copy keeps the adapter importable without pulling in the root package.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Adapter stores keys as objects in a single bucket of any S3-compatible
// object store (AWS S3, GCS's S3-compatibility mode, Cloudflare R2, MinIO).
type S3Adapter struct {
	client *minio.Client
	bucket string
	counts *countCache
}

// NewS3Adapter dials an S3-compatible endpoint and verifies the bucket exists.
func NewS3Adapter(ctx context.Context, cfg S3Config) (*S3Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storageadapter: connect to %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storageadapter: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("storageadapter: bucket %s does not exist", cfg.Bucket)
	}

	return &S3Adapter{client: client, bucket: cfg.Bucket, counts: newCountCache()}, nil
}

func (a *S3Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storageadapter: get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storageadapter: read %s: %w", key, err)
	}
	// minio lazily surfaces NoSuchKey only once the body is read.
	if len(data) == 0 {
		if _, statErr := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{}); statErr != nil {
			if isNoSuchKey(statErr) {
				return nil, ErrNotFound
			}
		}
	}
	return data, nil
}

func (a *S3Adapter) Put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("storageadapter: put %s: %w", key, err)
	}
	a.counts.invalidate()
	return nil
}

func (a *S3Adapter) Delete(ctx context.Context, key string) error {
	if _, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
	}
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storageadapter: delete %s: %w", key, err)
	}
	a.counts.invalidate()
	return nil
}

func (a *S3Adapter) List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return ListResult{}, fmt.Errorf("storageadapter: list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)

	res, err := paginate(keys, opts)
	if err != nil {
		return ListResult{}, err
	}
	if opts.Cursor == "" {
		total := a.counts.get(prefix, func() int64 { return cappedCount(keys, prefix) })
		res.TotalCount = &total
	}
	return res, nil
}

func (a *S3Adapter) Close() error { return nil }

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
