package docstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/regtrace/regtrace/pkg/errkind"
)

// S3Store implements Store on AWS S3 (or MinIO/LocalStack via a custom
// endpoint). Objects are keyed by their SHA-256 hash, so cross-tenant dedup
// happens naturally at the bucket level.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint
	Prefix   string // optional key prefix, e.g. "documents/"
}

// NewS3Store creates an S3-backed document store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(docHash string) string {
	return s.prefix + docHash + ".blob"
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	docHash := HashBytes(data)
	key := s.key(docHash)

	// Idempotent: a HeadObject hit means the bytes are already stored.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return docHash, nil
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return "", errkind.Wrap(errkind.Dependency, err, "s3 put")
	}
	return docHash, nil
}

func (s *S3Store) Get(ctx context.Context, docHash string) ([]byte, error) {
	if err := validateHash(docHash); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(docHash)),
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.NotFound, err, "document not found: %s", docHash)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "s3 read")
	}
	if got := HashBytes(data); got != docHash {
		return nil, errkind.E(errkind.Integrity,
			"stored bytes do not match doc_hash %s (got %s)", docHash, got)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, docHash string) (bool, error) {
	if err := validateHash(docHash); err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(docHash)),
	}); err != nil {
		return false, nil
	}
	return true, nil
}

var _ Store = (*S3Store)(nil)
