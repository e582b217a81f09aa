package upload

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunker"
	"github.com/bitrise-io/go-chunkupload/upload/network"
	"github.com/bitrise-io/go-chunkupload/upload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Environment variables read by ParseConfig.
const (
	BackendKey          = "ROOMUPLOAD_BACKEND"
	APIURLKey           = "ROOMUPLOAD_API_URL"
	AccessTokenKey      = "ROOMUPLOAD_ACCESS_TOKEN"
	ChunkSizeKey        = "ROOMUPLOAD_CHUNK_SIZE"
	ConcurrencyKey      = "ROOMUPLOAD_CONCURRENCY"
	MaxRetryPerChunkKey = "ROOMUPLOAD_MAX_RETRY_PER_CHUNK"
	HTTPRetryMaxKey     = "ROOMUPLOAD_HTTP_RETRY_MAX"
	HungThresholdKey    = "ROOMUPLOAD_HUNG_THRESHOLD"
	S3BucketKey         = "ROOMUPLOAD_S3_BUCKET"
	S3RegionKey         = "ROOMUPLOAD_S3_REGION"
	S3PrefixKey         = "ROOMUPLOAD_S3_PREFIX"
	AWSAccessKeyIDKey   = "AWS_ACCESS_KEY_ID"
	AWSSecretKeyKey     = "AWS_SECRET_ACCESS_KEY"
)

// Backend selects the service chunks are uploaded to.
type Backend string

const (
	BackendHTTP Backend = "http"
	BackendS3   Backend = "s3"
)

// Secret is a configuration value that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config is the runtime configuration of an upload client.
type Config struct {
	Backend          Backend
	APIURL           string
	AccessToken      Secret
	ChunkSize        int64
	Concurrency      int
	MaxRetryPerChunk int
	HTTPRetryMax     int
	HungThreshold    time.Duration

	S3Bucket           string
	S3Region           string
	S3Prefix           string
	AWSAccessKeyID     string
	AWSSecretAccessKey Secret
}

// ParseConfig reads the configuration from the environment, applying defaults for unset values.
func ParseConfig(envRepo env.Repository) (Config, error) {
	defaults := chunkuploader.DefaultConfig()
	config := Config{
		Backend:            Backend(strings.ToLower(strings.TrimSpace(envRepo.Get(BackendKey)))),
		APIURL:             strings.TrimSpace(envRepo.Get(APIURLKey)),
		AccessToken:        Secret(envRepo.Get(AccessTokenKey)),
		S3Bucket:           envRepo.Get(S3BucketKey),
		S3Region:           envRepo.Get(S3RegionKey),
		S3Prefix:           envRepo.Get(S3PrefixKey),
		AWSAccessKeyID:     envRepo.Get(AWSAccessKeyIDKey),
		AWSSecretAccessKey: Secret(envRepo.Get(AWSSecretKeyKey)),
	}
	if config.Backend == "" {
		config.Backend = BackendHTTP
	}

	defaultChunkSize := int64(chunker.DefaultChunkSize)
	if config.Backend == BackendS3 {
		defaultChunkSize = network.MinS3PartSize
	}
	chunkSize, err := parseSize(envRepo.Get(ChunkSizeKey), defaultChunkSize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", ChunkSizeKey, err)
	}
	config.ChunkSize = chunkSize

	if config.Concurrency, err = parseInt(envRepo.Get(ConcurrencyKey), defaults.Concurrency); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", ConcurrencyKey, err)
	}
	if config.MaxRetryPerChunk, err = parseInt(envRepo.Get(MaxRetryPerChunkKey), defaults.MaxRetryPerChunk); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", MaxRetryPerChunkKey, err)
	}
	if config.HTTPRetryMax, err = parseInt(envRepo.Get(HTTPRetryMaxKey), 0); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", HTTPRetryMaxKey, err)
	}
	if value := strings.TrimSpace(envRepo.Get(HungThresholdKey)); value != "" {
		if config.HungThreshold, err = time.ParseDuration(value); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", HungThresholdKey, err)
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate ...
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.APIURL == "" {
			return fmt.Errorf("the variable '%s' is not defined", APIURLKey)
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("the variable '%s' is not defined", S3BucketKey)
		}
		if c.ChunkSize > 0 && c.ChunkSize < network.MinS3PartSize {
			return fmt.Errorf("invalid %s: the s3 backend needs chunks of at least %s, got %s", ChunkSizeKey,
				units.BytesSize(network.MinS3PartSize), units.BytesSize(float64(c.ChunkSize)))
		}
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}

	if c.ChunkSize <= 0 {
		return chunker.ErrInvalidChunkSize
	}
	return c.schedulerConfig().Validate()
}

// Options returns the uploader options described by the configuration.
func (c Config) Options() Options {
	return Options{
		ChunkSize: c.ChunkSize,
		Scheduler: c.schedulerConfig(),
	}
}

// NewSession creates the session client of the configured backend.
func (c Config) NewSession(ctx context.Context, logger log.Logger) (network.Session, error) {
	if c.Backend == BackendS3 {
		session, err := network.NewS3Session(ctx, network.S3Params{
			Bucket:          c.S3Bucket,
			Region:          c.S3Region,
			AccessKeyID:     c.AWSAccessKeyID,
			SecretAccessKey: string(c.AWSSecretAccessKey),
			Prefix:          c.S3Prefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	client, err := network.NewClient(network.ClientParams{
		BaseURL:      c.APIURL,
		Token:        string(c.AccessToken),
		HTTPRetryMax: c.HTTPRetryMax,
	}, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c Config) schedulerConfig() chunkuploader.Config {
	config := chunkuploader.DefaultConfig()
	config.Concurrency = c.Concurrency
	config.MaxRetryPerChunk = c.MaxRetryPerChunk
	config.HungThreshold = c.HungThreshold
	return config
}

// Print logs the configuration with secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- backend: %s", c.Backend)
	if c.Backend == BackendS3 {
		logger.Printf("- bucket: %s", c.S3Bucket)
		logger.Printf("- region: %s", c.S3Region)
		logger.Printf("- prefix: %s", c.S3Prefix)
		logger.Printf("- AWS access key ID: %s", c.AWSAccessKeyID)
		logger.Printf("- AWS secret access key: %s", c.AWSSecretAccessKey)
	} else {
		logger.Printf("- API URL: %s", c.APIURL)
		logger.Printf("- access token: %s", c.AccessToken)
		logger.Printf("- HTTP retry max: %d", c.HTTPRetryMax)
	}
	logger.Printf("- chunk size: %s", units.BytesSize(float64(c.ChunkSize)))
	logger.Printf("- concurrency: %d", c.Concurrency)
	logger.Printf("- max retry per chunk: %d", c.MaxRetryPerChunk)
}

// parseSize accepts a plain byte count or a binary size such as 2MiB.
func parseSize(value string, defaultValue int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, chunker.ErrInvalidChunkSize
	}
	return size, nil
}

func parseInt(value string, defaultValue int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
