package objectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	cfg "github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
)

const locatorScheme = "s3://"

// S3Client stores file bytes in an S3 compatible bucket (AWS or MinIO).
type S3Client struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

func NewS3Client(ctx context.Context, cfg *cfg.Config, log *slog.Logger) (*S3Client, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}
	if log == nil {
		log = slog.Default()
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = cfg.S3UsePathStyle
		}
	})
	log.Info("object storage client ready", "bucket", cfg.BucketName, "endpoint", cfg.S3Endpoint)

	return &S3Client{client: client, bucket: cfg.BucketName, log: log}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *S3Client) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noBucket) {
		return fmt.Errorf("%w: head bucket %s: %w", core.ErrStorage, c.bucket, err)
	}

	_, err = c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("%w: create bucket %s: %w", core.ErrStorage, c.bucket, err)
	}
	c.log.Info("created bucket", "bucket", c.bucket)
	return nil
}

// Store uploads data under key and returns an s3:// locator.
func (c *S3Client) Store(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	uploader := manager.NewUploader(c.client)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := uploader.Upload(ctxUpload, input); err != nil {
		return "", fmt.Errorf("%w: s3 upload failed: %w", core.ErrStorage, err)
	}
	return Locator(c.bucket, key), nil
}

func (c *S3Client) Retrieve(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}

	ctxGet, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, getError(locator, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", core.ErrStorage, err)
	}
	return body, nil
}

func (c *S3Client) Delete(ctx context.Context, locator string) error {
	bucket, key, err := ParseLocator(locator)
	if err != nil {
		return err
	}

	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 delete failed: %w", core.ErrStorage, err)
	}
	return nil
}

// getError separates missing objects, which no retry can fix, from
// transport faults.
func getError(locator string, err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: object %s: %w", core.ErrNotFound, locator, err)
	}
	return fmt.Errorf("%w: s3 get failed: %w", core.ErrStorage, err)
}

// Locator renders bucket/key as s3://bucket/key.
func Locator(bucket, key string) string {
	return locatorScheme + bucket + "/" + key
}

// ParseLocator splits an s3:// locator into bucket and key.
func ParseLocator(loc string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(loc, locatorScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed locator %q", core.ErrInvalidInput, loc)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed locator %q", core.ErrInvalidInput, loc)
	}
	return bucket, key, nil
}

// ObjectKey builds the storage key for a file. Path separators inside the
// filename are replaced so the key always has exactly three segments.
func ObjectKey(collectionID, fileID, filename string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(filename)
	return collectionID + "/" + fileID + "/" + safe
}

var _ core.ObjectClient = (*S3Client)(nil)
