package attachment

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend rewrites an oversized attachment out to object storage and
// returns a reference URL, implementing the LargeFileRewrite action from
// a tenant's LargeFileConfig (spec.md §4.2). Grounded on the AWS SDK v2
// config/credentials loading the teacher's internal/storage/aws.go used
// for its DynamoDB/S3 metrics backend, narrowed here to S3 alone — see
// DESIGN.md.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend loads AWS config (region/profile) and constructs an S3
// client for bucket.
func NewS3Backend(ctx context.Context, region, profile, bucket string) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Backend{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Rewrite uploads data under key and returns the s3:// reference the
// outbound email body can point to instead of embedding the attachment.
func (b *S3Backend) Rewrite(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", b.bucket, key), nil
}
