package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	BaseURL          string        `mapstructure:"BASE"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	OutputRoot       string        `mapstructure:"OUTPUT_ROOT"`
	DBFile           string        `mapstructure:"DB_FILE"`
	MaxConcurrency   int           `mapstructure:"MAX_CONCURRENCY"`
	QueueSize        int           `mapstructure:"QUEUE_SIZE"`
	YtDlpBin         string        `mapstructure:"YTDLP_BIN"`
	YtDlpExtraArgs   string        `mapstructure:"YTDLP_EXTRA_ARGS"`
	ExtractTimeout   time.Duration `mapstructure:"EXTRACT_TIMEOUT"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	ReconcileOnStart bool          `mapstructure:"RECONCILE_ON_START"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`

	S3Endpoint      string        `mapstructure:"S3_ENDPOINT"`
	S3Bucket        string        `mapstructure:"S3_BUCKET"`
	S3Region        string        `mapstructure:"S3_REGION"`
	S3AccessKey     string        `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey     string        `mapstructure:"S3_SECRET_KEY"`
	S3PresignExpiry time.Duration `mapstructure:"S3_PRESIGN_EXPIRY"`
}

// S3Configured reports whether artifact mirroring to S3 is enabled.
func (c *Config) S3Configured() bool {
	return c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3Bucket != ""
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Defaults are strings wherever a decode hook applies.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("OUTPUT_ROOT", "./downloads")
	vp.SetDefault("DB_FILE", "tasks.db")
	vp.SetDefault("MAX_CONCURRENCY", 4)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("EXTRACT_TIMEOUT", "0s")
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("RECONCILE_ON_START", true)
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("S3_ENDPOINT", "")
	vp.SetDefault("S3_BUCKET", "")
	vp.SetDefault("S3_REGION", "us-east-1")
	vp.SetDefault("S3_ACCESS_KEY", "")
	vp.SetDefault("S3_SECRET_KEY", "")
	vp.SetDefault("S3_PRESIGN_EXPIRY", "1h")

	// Load from config file
	vp.SetConfigName("ytdlapi_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ytdlapi/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("YTDLAPI")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
