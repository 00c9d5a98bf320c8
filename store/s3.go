package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "histflow/config"
	"histflow/logger"
)

// Mirror uploads committed complete partitions to S3 under Hive-style keys so
// query engines can discover them by partition column.
type Mirror struct {
	client *s3.Client
	bucket string
	log    *logger.Log
}

// NewMirror configures the AWS SDK and S3 client for partition uploads.
func NewMirror(cfg appconfig.S3Config) (*Mirror, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Debug("s3 mirror initialized")

	return &Mirror{client: client, bucket: cfg.Bucket, log: log}, nil
}

// key builds the Hive-style object key for a partition file.
func (m *Mirror) key(p Partition, filename string) string {
	parts := []string{
		fmt.Sprintf("exchange=%s", p.Exchange),
		fmt.Sprintf("datatype=%s", p.DataType),
	}
	if p.SubTypeID != "" {
		parts = append(parts, fmt.Sprintf("subtype=%s", p.SubTypeID))
	}
	parts = append(parts,
		fmt.Sprintf("symbol=%s", FormatSymbol(p.Symbol)),
		fmt.Sprintf("date=%s", p.Key),
		filename,
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

// Upload pushes one partition file to the bucket.
func (m *Mirror) Upload(ctx context.Context, p Partition, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read partition file: %w", err)
	}

	key := m.key(p, filepath.Base(path))

	// Finish an in-flight upload even when the download run is cancelled.
	ctx = context.WithoutCancel(ctx)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload to s3 bucket %s: %w", m.bucket, err)
	}

	m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"key":        key,
		"size_bytes": len(data),
	}).Debug("partition mirrored to s3")

	return nil
}
