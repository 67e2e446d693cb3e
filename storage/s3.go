// Package storage mirrors task artifacts to S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ytdlapi/config"
)

const keyPrefix = "yt-dlp"

// S3Mirror uploads produced files and hands out presigned download URLs.
type S3Mirror struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// NewS3Mirror builds a mirror from application config. Call only when
// cfg.S3Configured() is true.
func NewS3Mirror(ctx context.Context, cfg *config.Config) (*S3Mirror, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			// Custom endpoint (MinIO and friends) needs path-style addressing.
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := cfg.S3PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	return &S3Mirror{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
		expiry:  expiry,
	}, nil
}

// ObjectKey returns the bucket key for one task file.
func ObjectKey(taskID, filename string) string {
	return path.Join(keyPrefix, taskID, filename)
}

// Upload stores a local file under the task's key prefix and returns the key.
func (m *S3Mirror) Upload(ctx context.Context, localPath, taskID string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := ObjectKey(taskID, filepath.Base(localPath))
	slog.Info("uploading artifact to s3", "bucket", m.bucket, "key", key)

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// PresignGet returns a time-limited download URL for one task file. The
// response forces an attachment disposition with the bare filename so clients
// never see the bucket layout.
func (m *S3Mirror) PresignGet(ctx context.Context, taskID, filename string) (string, error) {
	key := ObjectKey(taskID, filename)
	req, err := m.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(m.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", filename)),
	}, s3.WithPresignExpires(m.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
