// Package config builds the runtime configuration from viper.
package config

import (
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DestinationOpenHumans = "openhumans"
	DestinationS3         = "s3"
)

type Config struct {
	Host string
	Port int

	DatabaseURL string

	LogLevel  string
	LogFormat string
	SentryDSN string

	Destination string

	Runkeeper  Runkeeper
	OpenHumans OpenHumans
	S3         S3
	Uploader   Uploader
	Tasks      Tasks
}

type Runkeeper struct {
	BaseURL    string
	PageSize   int
	Timeout    time.Duration
	MaxRetries int
}

type OpenHumans struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxRetries   int
}

type S3 struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

type Uploader struct {
	DetailWorkers int
}

type Tasks struct {
	Workers        int
	QueueDepth     int
	StaleAfter     time.Duration
	SubmitInterval time.Duration
	ScanInterval   time.Duration
}

// New returns a viper instance reading the environment (RUNKEEPER_PAGE_SIZE
// for runkeeper.page_size) with every default set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 3000)
	v.SetDefault("db.url", "host=localhost user=postgres sslmode=disable password=postgres")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("sentry.dsn", "")

	v.SetDefault("destination", DestinationOpenHumans)

	v.SetDefault("runkeeper.base_url", "https://api.runkeeper.com")
	v.SetDefault("runkeeper.page_size", 10000)
	v.SetDefault("runkeeper.timeout", 30*time.Second)
	v.SetDefault("runkeeper.max_retries", 4)

	v.SetDefault("openhumans.base_url", "https://www.openhumans.org")
	v.SetDefault("openhumans.client_id", "")
	v.SetDefault("openhumans.client_secret", "")
	v.SetDefault("openhumans.timeout", 60*time.Second)
	v.SetDefault("openhumans.max_retries", 4)

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "eu-west-1")
	v.SetDefault("s3.prefix", "runkeeper")
	v.SetDefault("s3.endpoint", "")

	v.SetDefault("uploader.detail_workers", 4)

	v.SetDefault("tasks.workers", 2)
	v.SetDefault("tasks.queue_depth", 100)
	v.SetDefault("tasks.stale_after", 96*time.Hour)
	v.SetDefault("tasks.submit_interval", time.Hour)
	v.SetDefault("tasks.scan_interval", 6*time.Hour)

	return v
}

// Load reads an optional config file into v and builds a validated Config.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "could not read config %s", path)
		}
	}

	cfg := Config{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		DatabaseURL: v.GetString("db.url"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
		SentryDSN:   v.GetString("sentry.dsn"),
		Destination: v.GetString("destination"),
		Runkeeper: Runkeeper{
			BaseURL:    v.GetString("runkeeper.base_url"),
			PageSize:   v.GetInt("runkeeper.page_size"),
			Timeout:    v.GetDuration("runkeeper.timeout"),
			MaxRetries: v.GetInt("runkeeper.max_retries"),
		},
		OpenHumans: OpenHumans{
			BaseURL:      v.GetString("openhumans.base_url"),
			ClientID:     v.GetString("openhumans.client_id"),
			ClientSecret: v.GetString("openhumans.client_secret"),
			Timeout:      v.GetDuration("openhumans.timeout"),
			MaxRetries:   v.GetInt("openhumans.max_retries"),
		},
		S3: S3{
			Bucket:   v.GetString("s3.bucket"),
			Region:   v.GetString("s3.region"),
			Prefix:   v.GetString("s3.prefix"),
			Endpoint: v.GetString("s3.endpoint"),
		},
		Uploader: Uploader{
			DetailWorkers: v.GetInt("uploader.detail_workers"),
		},
		Tasks: Tasks{
			Workers:        v.GetInt("tasks.workers"),
			QueueDepth:     v.GetInt("tasks.queue_depth"),
			StaleAfter:     v.GetDuration("tasks.stale_after"),
			SubmitInterval: v.GetDuration("tasks.submit_interval"),
			ScanInterval:   v.GetDuration("tasks.scan_interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !govalidator.IsPort(govalidator.ToString(c.Port)) {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if !govalidator.IsURL(c.Runkeeper.BaseURL) {
		return errors.Errorf("invalid runkeeper.base_url %q", c.Runkeeper.BaseURL)
	}
	if !govalidator.IsURL(c.OpenHumans.BaseURL) {
		return errors.Errorf("invalid openhumans.base_url %q", c.OpenHumans.BaseURL)
	}
	if c.Runkeeper.PageSize <= 0 {
		return errors.Errorf("runkeeper.page_size must be positive, got %d", c.Runkeeper.PageSize)
	}
	if c.Uploader.DetailWorkers <= 0 {
		return errors.Errorf("uploader.detail_workers must be positive, got %d", c.Uploader.DetailWorkers)
	}
	if c.Tasks.Workers <= 0 {
		return errors.Errorf("tasks.workers must be positive, got %d", c.Tasks.Workers)
	}
	if c.Tasks.ScanInterval <= 0 {
		return errors.Errorf("tasks.scan_interval must be positive, got %s", c.Tasks.ScanInterval)
	}

	switch c.Destination {
	case DestinationOpenHumans:
		if c.OpenHumans.ClientID == "" || c.OpenHumans.ClientSecret == "" {
			return errors.New("openhumans.client_id and openhumans.client_secret are required")
		}
	case DestinationS3:
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 destination")
		}
		if c.S3.Endpoint != "" && !govalidator.IsURL(c.S3.Endpoint) {
			return errors.Errorf("invalid s3.endpoint %q", c.S3.Endpoint)
		}
	default:
		return errors.Errorf("unknown destination %q", c.Destination)
	}

	return nil
}
