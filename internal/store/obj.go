package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/chronicle/internal/domain"
)

// S3Client is the slice of the AWS S3 API the object adapter uses. The
// indirection exists for dependency injection in tests.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ObjStore writes one JSON object per record to an S3-compatible bucket
// under logs/<kind>/<YYYY-MM-DD>/<id>.json.
type ObjStore struct {
	client S3Client
	bucket string
}

// ObjConfig holds object-store connection settings. Endpoint may point at
// any S3-compatible service (AWS, MinIO, R2); when set, path-style
// addressing is used.
type ObjConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewObjStore builds an S3 client for the configured endpoint.
func NewObjStore(ctx context.Context, cfg ObjConfig) (*ObjStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjStore{client: client, bucket: cfg.Bucket}, nil
}

// NewObjStoreFromClient wraps an existing client; used by tests.
func NewObjStoreFromClient(client S3Client, bucket string) *ObjStore {
	return &ObjStore{client: client, bucket: bucket}
}

func (s *ObjStore) Name() domain.Store { return domain.StoreObj }

// KeyFor returns the object key for a record.
func KeyFor(rec *domain.Record) string {
	return fmt.Sprintf("logs/%s/%s/%s.json", rec.Kind, rec.Timestamp.UTC().Format("2006-01-02"), rec.ID)
}

// Write uploads the envelope as a JSON object.
func (s *ObjStore) Write(ctx context.Context, rec *domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(KeyFor(rec)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("obj write %s: %w", rec.ID, err)
	}
	return nil
}

// Has checks object presence without fetching the body.
func (s *ObjStore) Has(ctx context.Context, rec *domain.Record) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(KeyFor(rec)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetRecord fetches and decodes a stored object.
func (s *ObjStore) GetRecord(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(KeyFor(rec)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	var stored domain.Record
	if err := json.NewDecoder(out.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", rec.ID, err)
	}
	return &stored, nil
}

// isS3NotFound matches the SDK's missing-key and missing-bucket errors.
func isS3NotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}
