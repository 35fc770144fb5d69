package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of *s3.Client used by S3Sink.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the bucket documents are written to.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint points the client at an S3-compatible service such as MinIO.
	// Path-style addressing is used when it is set.
	Endpoint string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Sink writes documents as objects under an optional key prefix.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Sink returns a sink writing to bucket through client.
func NewS3Sink(client ObjectPutter, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, errors.New("archive s3: client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive s3: bucket is required")
	}
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put uploads data and returns its s3:// URL.
func (s *S3Sink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive s3: put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

var _ Sink = (*S3Sink)(nil)
