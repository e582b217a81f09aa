package network

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
)

const defaultLookupRegion = "us-east-1"

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// resolveBucketRegion returns region if set, otherwise asks S3 where the bucket lives.
func resolveBucketRegion(ctx context.Context, params S3Params, logger log.Logger) (string, error) {
	if params.Region != "" {
		return params.Region, nil
	}

	cfg, err := loadAWSCredentials(ctx, defaultLookupRegion, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return "", err
	}

	region, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(*cfg), params.Bucket)
	if err != nil {
		return "", fmt.Errorf("get bucket region: %w", err)
	}
	logger.Debugf("Bucket %s is in region %s", params.Bucket, region)

	return region, nil
}
