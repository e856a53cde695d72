// Package s3 provides an S3-compatible object store with presigned
// multipart uploads.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/storage"
)

const presignExpiry = time.Hour

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// Backend implements storage.Backend using S3 or MinIO.
type Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Multipart = (*Backend)(nil)
	_ storage.Presigner = (*Backend)(nil)
)

// New connects to the bucket, creating it if it does not exist.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	b := &Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return b, nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation("s3", op, time.Since(start), err == nil)
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	record("create_bucket", start, err)
	if err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func notFound(err error) bool {
	var nsk *types.NoSuchKey
	var nsu *types.NoSuchUpload
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nsu) || errors.As(err, &nf)
}

func wrap(op, key string, err error) error {
	if notFound(err) {
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	record("get_object", start, err)
	if err != nil {
		return nil, 0, wrap("get object", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	record("put_object", start, err)
	if err != nil {
		return wrap("put object", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	record("delete_object", start, err)
	if err != nil {
		return wrap("delete object", key, err)
	}
	return nil
}

func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	record("copy_object", start, err)
	if err != nil {
		return wrap("copy object", srcKey, err)
	}
	return nil
}

func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	record("head_object", start, err)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap("head object", key, err)
	}
	return true, nil
}

func (b *Backend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	start := time.Now()
	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	record("create_multipart_upload", start, err)
	if err != nil {
		return "", wrap("create multipart upload", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	start := time.Now()
	out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	record("upload_part", start, err)
	if err != nil {
		return "", wrap("upload part", key, err)
	}
	return aws.ToString(out.ETag), nil
}

// PresignUploadPart returns a URL the client PUTs one part to directly.
func (b *Backend) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int) (string, error) {
	req, err := b.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", wrap("presign part", key, err)
	}
	return req.URL, nil
}

func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}
	start := time.Now()
	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	record("complete_multipart_upload", start, err)
	if err != nil {
		return wrap("complete multipart upload", key, err)
	}
	return nil
}

func (b *Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	start := time.Now()
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	record("abort_multipart_upload", start, err)
	if err != nil {
		return wrap("abort multipart upload", key, err)
	}
	return nil
}

func (b *Backend) Type() string { return "s3" }

func (b *Backend) Close() error { return nil }
