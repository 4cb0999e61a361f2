package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps blobs in an S3 compatible bucket and hands out presigned GET
// links so downloads skip the bridge.
type S3Store struct {
	client  s3API
	presign func(ctx context.Context, key string, expires time.Duration) (string, error)
	bucket  string
	prefix  string
	logger  *zap.Logger

	attempts uint
	delay    time.Duration
}

func NewS3Store(opts S3Options, logger *zap.Logger) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 blob store: bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s3opts := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.PathStyle,
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		creds := aws.Credentials{AccessKeyID: opts.AccessKey, SecretAccessKey: opts.SecretKey, Source: "l2dbridge"}
		s3opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	client := s3.New(s3opts)
	presigner := s3.NewPresignClient(client)

	store := newS3Store(client, opts.Bucket, opts.Prefix, logger)
	store.presign = func(ctx context.Context, key string, expires time.Duration) (string, error) {
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(store.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expires))
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	logger.Info("S3 blob store ready",
		zap.String("bucket", opts.Bucket),
		zap.String("region", opts.Region),
		zap.String("prefix", opts.Prefix))
	return store, nil
}

func newS3Store(client s3API, bucket, prefix string, logger *zap.Logger) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger,
		attempts: 3,
		delay:    time.Second,
	}
}

func (s *S3Store) key(key string) string {
	return s.prefix + key
}

func (s *S3Store) retry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, fs.ErrNotExist)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("S3 operation failed, retrying",
				zap.String("op", op),
				zap.String("key", key),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
}

// Put buffers the body so that every retry can replay it.
func (s *S3Store) Put(ctx context.Context, key, mime string, r io.Reader) (int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return n, fmt.Errorf("read blob %s: %w", key, err)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	err = s.retry(ctx, "put", key, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key(key)),
			Body:          bytes.NewReader(buf.Bytes()),
			ContentType:   aws.String(mime),
			ContentLength: aws.Int64(n),
		})
		return err
	})
	if err != nil {
		return n, fmt.Errorf("put blob %s: %w", key, err)
	}
	return n, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.retry(ctx, "get", key, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
		if err != nil {
			var missing *types.NoSuchKey
			if errors.As(err, &missing) {
				return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
			}
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, "delete", key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// Link returns a presigned GET URL valid for expires.
func (s *S3Store) Link(ctx context.Context, key string, expires time.Duration) (string, error) {
	if s.presign == nil {
		return "", errors.New("s3 blob store: presigning unavailable")
	}
	url, err := s.presign(ctx, s.key(key), expires)
	if err != nil {
		return "", fmt.Errorf("presign blob %s: %w", key, err)
	}
	return url, nil
}
