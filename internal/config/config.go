package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Storage StorageConfig `mapstructure:"storage"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Log     LogConfig     `mapstructure:"log"`
	AppHost string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
}

type DBConfig struct {
	Source string `mapstructure:"source"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type StorageConfig struct {
	Backend     string   `mapstructure:"backend"`
	Path        string   `mapstructure:"path"`
	StagingPath string   `mapstructure:"staging_path"`
	S3          S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type LimitsConfig struct {
	// MaxFileSize is a human readable size such as "50MiB".
	MaxFileSize         string        `mapstructure:"max_file_size"`
	UploadConcurrency   int           `mapstructure:"upload_concurrency"`
	DownloadConcurrency int           `mapstructure:"download_concurrency"`
	RemoteTimeout       time.Duration `mapstructure:"remote_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MaxFileSizeBytes parses Limits.MaxFileSize.
func (c *Config) MaxFileSizeBytes() (int64, error) {
	size, err := units.RAMInBytes(c.Limits.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("invalid limits.max_file_size %q: %w", c.Limits.MaxFileSize, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("limits.max_file_size must be positive, got %q", c.Limits.MaxFileSize)
	}
	return size, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.path", "./data/blobs")
	v.SetDefault("storage.staging_path", "")
	v.SetDefault("limits.max_file_size", "50MiB")
	v.SetDefault("limits.upload_concurrency", 8)
	v.SetDefault("limits.download_concurrency", 4)
	v.SetDefault("limits.remote_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("port", 8080)
}

func Load() (*Config, error) {
	return load(viper.New(), "./configs", "/configs")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("settings")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if _, err := cfg.MaxFileSizeBytes(); err != nil {
		return nil, err
	}
	if cfg.Limits.UploadConcurrency < 1 {
		return nil, fmt.Errorf("limits.upload_concurrency must be at least 1")
	}
	if cfg.Limits.DownloadConcurrency < 1 {
		return nil, fmt.Errorf("limits.download_concurrency must be at least 1")
	}

	return &cfg, nil
}
