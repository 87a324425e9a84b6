// Package upload copies finished outputs to object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/retry"
)

// Uploader stores a job output and returns where it went
type Uploader interface {
	Upload(ctx context.Context, jobID, file string) (string, error)
}

// PutObjectAPI is the part of the S3 client used for uploads
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config for S3 uploads
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // for S3-compatible stores such as MinIO
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Uploader puts files at <prefix>/<job-id>/<file>
type S3Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	retry  retry.Config
	logger *logging.Logger
}

// NewS3Uploader builds an S3 client from cfg
func NewS3Uploader(ctx context.Context, cfg Config, logger *logging.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
			},
		}))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = cfg.Endpoint != "" })
	return NewS3UploaderWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3UploaderWithClient wraps an existing client
func NewS3UploaderWithClient(client PutObjectAPI, bucket, prefix string, logger *logging.Logger) *S3Uploader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		retry:  retry.DefaultConfig(),
		logger: logger.WithField("component", "upload"),
	}
}

// Key returns the object key for a job file
func (u *S3Uploader) Key(jobID, file string) string {
	return path.Join(u.prefix, jobID, filepath.Base(file))
}

// Upload puts file into the bucket and returns its s3:// URL
func (u *S3Uploader) Upload(ctx context.Context, jobID, file string) (string, error) {
	key := u.Key(jobID, file)
	contentType := ContentType(file)

	err := retry.Do(ctx, u.retry, func(ctx context.Context) error {
		f, err := os.Open(file)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to open %s: %w", file, err))
		}
		defer f.Close()

		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", file, err)
	}

	url := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	u.logger.Info("output uploaded", logging.Fields{"job_id": jobID, "url": url})
	return url, nil
}

var mediaTypes = map[string]string{
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
}

// ContentType guesses the MIME type of a media file
func ContentType(file string) string {
	ext := strings.ToLower(filepath.Ext(file))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
