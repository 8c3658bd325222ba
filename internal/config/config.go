package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataRoot string
		// Per-medium task concurrency ceilings: image sets are cheap,
		// media transfers are not.
		ComicsMaxConcurrent int
		VideosMaxConcurrent int
		BooksMaxConcurrent  int
		// FanOut bounds concurrent sub-item fetches inside one task.
		FanOut              int
		RetryAttempts       uint
		RetryDelayMs        int
		CompletionThreshold int
	}
	Cookies struct {
		TTLSeconds int
	}
	Transcoder struct {
		BaseURL            string
		PollIntervalMs     int
		PollTimeoutSeconds int
	}
	// Sources maps source keys to their catalog API base URLs; each entry
	// becomes a registered adapter.
	Sources map[string]string
	Auth    struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Download.RetryDelayMs) * time.Millisecond
}

func (c Config) CookieTTL() time.Duration {
	return time.Duration(c.Cookies.TTLSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Transcoder.PollIntervalMs) * time.Millisecond
}

func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Transcoder.PollTimeoutSeconds) * time.Second
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("READER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/reader.db")
	v.SetDefault("download.dataroot", "data/downloads")
	v.SetDefault("download.comicsmaxconcurrent", 6)
	v.SetDefault("download.videosmaxconcurrent", 2)
	v.SetDefault("download.booksmaxconcurrent", 2)
	v.SetDefault("download.fanout", 4)
	v.SetDefault("download.retryattempts", 3)
	v.SetDefault("download.retrydelayms", 500)
	v.SetDefault("download.completionthreshold", 1)
	v.SetDefault("cookies.ttlseconds", 300)
	v.SetDefault("transcoder.baseurl", "")
	v.SetDefault("transcoder.pollintervalms", 2000)
	v.SetDefault("transcoder.polltimeoutseconds", 600)
	v.SetDefault("sources", map[string]string{})
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 1440)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
