package content

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mint-pipeline/internal/config"
)

// PutObjectAPI is the slice of the S3 client the store needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes content to a bucket, keyed by digest.
type S3Store struct {
	client     PutObjectAPI
	bucket     string
	publicBase string
}

// NewS3Client loads AWS credentials from the environment and honours a custom endpoint (MinIO, LocalStack).
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// NewS3Store builds a store on client. publicBase is the HTTP prefix objects are served from; when
// empty, URIs use the s3:// scheme.
func NewS3Store(client PutObjectAPI, bucket, publicBase string) *S3Store {
	return &S3Store{client: client, bucket: bucket, publicBase: publicBase}
}

func (s *S3Store) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	cid := Digest(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(cid),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return cid, nil
}

func (s *S3Store) URI(cid string) string {
	if s.publicBase == "" {
		return fmt.Sprintf("s3://%s/%s", s.bucket, cid)
	}
	return joinURL(s.publicBase, cid)
}

func (s *S3Store) URL(cid string) string {
	if s.publicBase == "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, cid)
	}
	return joinURL(s.publicBase, cid)
}
