package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/attestation-service/interfaces"
)

// S3Store keeps one JSON object per reference value in an S3 or compatible bucket.
type S3Store struct {
	client     s3iface.S3API
	bucketName string
	prefix     string
	log        *slog.Logger
}

// S3Options configures the S3 connection.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PathStyle is required by most self-hosted S3 implementations.
	PathStyle bool
}

// NewS3Store creates an S3 store. Without static credentials the default AWS
// credential chain is used.
func NewS3Store(opts S3Options, log *slog.Logger) (*S3Store, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	cfg := aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(opts.PathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3StoreWithClient(s3.New(sess), opts.Bucket, opts.Prefix, log), nil
}

// NewS3StoreWithClient wraps an existing S3 client.
func NewS3StoreWithClient(client s3iface.S3API, bucket, prefix string, log *slog.Logger) *S3Store {
	return &S3Store{
		client:     client,
		bucketName: bucket,
		prefix:     strings.Trim(prefix, "/"),
		log:        log,
	}
}

func (b *S3Store) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	start := time.Now()
	key := b.getObjectKey(name)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			b.log.Debug("Reference value not found in S3",
				slog.String("bucket", b.bucketName),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil, nil
		}

		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, unavailable("get", b.Name(), err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, unavailable("read body", b.Name(), err)
	}

	b.log.Debug("Fetched reference value from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return decodeReferenceValue(name, data)
}

func (b *S3Store) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	data, err := encodeReferenceValue(rv)
	if err != nil {
		return err
	}

	key := b.getObjectKey(rv.Name)
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return unavailable("put", b.Name(), err)
	}

	b.log.Debug("Stored reference value in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))

	return nil
}

func (b *S3Store) Delete(ctx context.Context, name string) error {
	key := b.getObjectKey(name)
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return unavailable("delete", b.Name(), err)
	}

	b.log.Debug("Removed reference value from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))
	return nil
}

// Available checks if the bucket can be reached.
func (b *S3Store) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 store unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

func (b *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

func (b *S3Store) getObjectKey(name string) string {
	key := nameKey(name) + ".json"
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404")
}
