package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mnemo-db/mnemo/archive"
	minioarchive "github.com/mnemo-db/mnemo/archive/minio"
	s3archive "github.com/mnemo-db/mnemo/archive/s3"
)

// newArchiveStore builds the configured snapshot archive backend. A nil
// store with a nil error means archiving is disabled.
func newArchiveStore(ctx context.Context, cfg ArchiveConfig) (archive.Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil

	case "local":
		return archive.NewLocal(cfg.Local.Dir)

	case "s3":
		var optFns []func(*awsconfig.LoadOptions) error
		if cfg.S3.Region != "" {
			optFns = append(optFns, awsconfig.WithRegion(cfg.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg)
		ddb := dynamodb.NewFromConfig(awsCfg)
		return s3archive.NewStore(client, ddb, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Table), nil

	case "minio":
		client, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
			Secure: cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to minio: %w", err)
		}
		return minioarchive.NewStore(client, cfg.Minio.Bucket, cfg.Minio.Prefix), nil

	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
