package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/stylize-api/internal/imagecodec"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. STYLIZE_SERVER_PORT.
const EnvPrefix = "STYLIZE"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	Image   ImageConfig   `mapstructure:"image"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type ModelConfig struct {
	Dir            string `mapstructure:"dir"`
	LibraryPath    string `mapstructure:"library_path"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
}

type ImageConfig struct {
	// Size is the square edge both uploads are resized to before inference.
	Size int `mapstructure:"size"`
	// MaxPixels caps width*height of a decoded upload.
	MaxPixels int `mapstructure:"max_pixels"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("model.dir", "model")
	v.SetDefault("model.library_path", "")
	v.SetDefault("model.intra_op_threads", 0)
	v.SetDefault("model.inter_op_threads", 0)
	v.SetDefault("image.size", 512)
	v.SetDefault("image.max_pixels", imagecodec.DefaultMaxPixels)
	v.SetDefault("upload.max_bytes", 32<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from defaults, an optional TOML file and the environment, in
// increasing order of precedence. An empty path looks for config.toml in the working
// directory and silently continues without it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "could not read config file %s", path)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "could not read config file")
			}
		}
	}

	// PORT is honoured for platforms that inject it, unless the prefixed variable is set.
	if port := os.Getenv("PORT"); port != "" && os.Getenv(EnvPrefix+"_SERVER_PORT") == "" {
		v.Set("server.port", port)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "could not decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Model.Dir == "" {
		return errors.New("model.dir must be set")
	}
	if c.Model.IntraOpThreads < 0 || c.Model.InterOpThreads < 0 {
		return errors.New("model thread counts must not be negative")
	}
	if c.Image.Size <= 0 {
		return errors.Errorf("image.size must be positive, got %d", c.Image.Size)
	}
	if c.Image.MaxPixels <= 0 {
		return errors.Errorf("image.max_pixels must be positive, got %d", c.Image.MaxPixels)
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Errorf("invalid log.format %q", c.Log.Format)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
