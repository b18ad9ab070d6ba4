// utils/storage.go
package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"snapmap/apperrors"
	"snapmap/config"
	"snapmap/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var ErrStorageUnavailable = apperrors.New(apperrors.CodeStorageUnavailable, "Storage is unavailable")

// ObjectStatus is what a HEAD on an uploaded object tells us. When Exists is
// false every other field is nil.
type ObjectStatus struct {
	Exists                 bool    `json:"exists"`
	ETag                   *string `json:"eTag"`
	Size                   *int64  `json:"size"`
	LastModifiedEpochMilli *int64  `json:"lastModifiedEpochMilli"`
}

// BlobStore is the subset of object storage the API and the worker need
type BlobStore interface {
	Bucket() string
	PresignUpload(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error)
	HeadObject(ctx context.Context, key string) (ObjectStatus, error)
}

// S3BlobStore talks to any S3 compatible endpoint (MinIO, R2, AWS)
type S3BlobStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	timeout time.Duration
}

func NewS3BlobStore(ctx context.Context, cfg config.S3Config) (*S3BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &S3BlobStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		timeout: timeout,
	}, nil
}

func (s *S3BlobStore) Bucket() string { return s.bucket }

// PresignUpload returns a URL the client can PUT the object to directly
func (s *S3BlobStore) PresignUpload(ctx context.Context, key string, expires time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", apperrors.Wrap(ErrStorageUnavailable, "PresignUpload", err)
	}
	return req.URL, nil
}

// PresignDownload returns a short-lived GET URL for key
func (s *S3BlobStore) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", apperrors.Wrap(ErrStorageUnavailable, "PresignDownload", err)
	}
	return req.URL, nil
}

// HeadObject probes key. A missing object is not an error.
func (s *S3BlobStore) HeadObject(ctx context.Context, key string) (ObjectStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectStatus{}, nil
		}
		logger.Named("storage").Warn().Err(err).Str("key", key).Msg("[Storage] head object failed")
		return ObjectStatus{}, apperrors.Wrap(ErrStorageUnavailable, "HeadObject", err)
	}

	st := ObjectStatus{Exists: true, ETag: out.ETag, Size: out.ContentLength}
	if out.LastModified != nil {
		ms := out.LastModified.UnixMilli()
		st.LastModifiedEpochMilli = &ms
	}
	return st, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
