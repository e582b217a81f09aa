package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is a roomupload.yml configuration file.
// All values are optional defaults, environment variables and flags override them.
type fileConfig struct {
	Backend          string   `yaml:"backend"`
	APIURL           string   `yaml:"api_url"`
	AccessToken      string   `yaml:"access_token"`
	ChunkSize        string   `yaml:"chunk_size"`
	Concurrency      int      `yaml:"concurrency"`
	MaxRetryPerChunk int      `yaml:"max_retry_per_chunk"`
	HTTPRetryMax     int      `yaml:"http_retry_max"`
	HungThreshold    string   `yaml:"hung_threshold"`
	S3               s3Config `yaml:"s3"`
}

type s3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// loadConfigFile reads a YAML config file, expanding ${VAR} references to environment variables.
func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

func (c fileConfig) values() map[string]string {
	values := map[string]string{
		upload.BackendKey:       c.Backend,
		upload.APIURLKey:        c.APIURL,
		upload.AccessTokenKey:   c.AccessToken,
		upload.ChunkSizeKey:     c.ChunkSize,
		upload.HungThresholdKey: c.HungThreshold,
		upload.S3BucketKey:      c.S3.Bucket,
		upload.S3RegionKey:      c.S3.Region,
		upload.S3PrefixKey:      c.S3.Prefix,
	}
	if c.Concurrency > 0 {
		values[upload.ConcurrencyKey] = strconv.Itoa(c.Concurrency)
	}
	if c.MaxRetryPerChunk > 0 {
		values[upload.MaxRetryPerChunkKey] = strconv.Itoa(c.MaxRetryPerChunk)
	}
	if c.HTTPRetryMax > 0 {
		values[upload.HTTPRetryMaxKey] = strconv.Itoa(c.HTTPRetryMax)
	}
	return values
}

// applyDefaults sets the values of the file that are not set in the environment.
func (c fileConfig) applyDefaults(envRepo env.Repository) error {
	for key, value := range c.values() {
		if value == "" || envRepo.Get(key) != "" {
			continue
		}
		if err := envRepo.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// flagEnvKeys maps the configuration flags to the environment variables they override.
var flagEnvKeys = map[string]string{
	"backend":             upload.BackendKey,
	"api-url":             upload.APIURLKey,
	"token":               upload.AccessTokenKey,
	"chunk-size":          upload.ChunkSizeKey,
	"concurrency":         upload.ConcurrencyKey,
	"max-retry-per-chunk": upload.MaxRetryPerChunkKey,
	"http-retry-max":      upload.HTTPRetryMaxKey,
	"s3-bucket":           upload.S3BucketKey,
	"s3-region":           upload.S3RegionKey,
	"s3-prefix":           upload.S3PrefixKey,
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
		&cli.StringFlag{Name: "backend", Usage: "Upload backend: http, s3"},
		&cli.StringFlag{Name: "api-url", Usage: "Upload API base URL"},
		&cli.StringFlag{Name: "token", Usage: "Upload API access token"},
		&cli.StringFlag{Name: "chunk-size", Usage: "Chunk size in bytes or with a unit, like 2MiB"},
		&cli.StringFlag{Name: "concurrency", Usage: "Number of parallel chunk uploads"},
		&cli.StringFlag{Name: "max-retry-per-chunk", Usage: "Attempts per chunk, 1 disables retries"},
		&cli.StringFlag{Name: "http-retry-max", Usage: "Transport level retries of upload API calls"},
		&cli.StringFlag{Name: "s3-bucket", Usage: "S3 bucket of the s3 backend"},
		&cli.StringFlag{Name: "s3-region", Usage: "S3 region, resolved from the bucket if empty"},
		&cli.StringFlag{Name: "s3-prefix", Usage: "Object key prefix of the s3 backend"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable debug logging"},
	}
}

// loadConfig merges the config file, the environment and the flags, in increasing precedence.
func loadConfig(c *cli.Context, envRepo env.Repository) (upload.Config, error) {
	if path := c.String("config"); path != "" {
		cfg, err := loadConfigFile(path)
		if err != nil {
			return upload.Config{}, err
		}
		if err := cfg.applyDefaults(envRepo); err != nil {
			return upload.Config{}, err
		}
	}

	for flag, key := range flagEnvKeys {
		if !c.IsSet(flag) {
			continue
		}
		if err := envRepo.Set(key, c.String(flag)); err != nil {
			return upload.Config{}, err
		}
	}

	return upload.ParseConfig(envRepo)
}
