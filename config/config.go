package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DB          DBConfig
	Photos      PhotoConfig
	S3          S3Config
	Scheduler   SchedulerConfig
	RedisURL    string
	ProxyURL    string
	DefaultCity string
	LogLevel    string
	LogPath     string
	Ledger      *LedgerConfig
}

type DBConfig struct {
	Driver string // sqlite or postgres
	Path   string
	URL    string
}

type PhotoConfig struct {
	Storage      string // local or s3
	Dir          string
	Concurrency  int
	FetchTimeout time.Duration
	MaxBytes     int64
	MaxPerOwner  int
	QueueSize    int
	PollInterval time.Duration
	OrphanGrace  time.Duration
	StaleClaim   time.Duration
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type SchedulerConfig struct {
	PurgeCron  string
	ExpireCron string
	StaleAfter time.Duration
}

// LedgerConfig is read from config/ledger.yaml
type LedgerConfig struct {
	DefaultCity   string             `yaml:"default_city"`
	Neighborhoods []NeighborhoodSeed `yaml:"neighborhoods"`
	Platforms     []string           `yaml:"platforms"`
}

type NeighborhoodSeed struct {
	Name        string `yaml:"name"`
	City        string `yaml:"city"`
	Description string `yaml:"description"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DB: DBConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			Path:   getEnv("DB_PATH", "ledger.db"),
			URL:    os.Getenv("DATABASE_URL"),
		},
		Photos: PhotoConfig{
			Storage:      getEnv("PHOTO_STORAGE", "local"),
			Dir:          getEnv("PHOTO_DIR", "photos"),
			Concurrency:  getEnvInt("PHOTO_CONCURRENCY", 4),
			FetchTimeout: getEnvDuration("PHOTO_FETCH_TIMEOUT", 30*time.Second),
			MaxBytes:     int64(getEnvInt("PHOTO_MAX_BYTES", 10*1024*1024)),
			MaxPerOwner:  getEnvInt("PHOTO_MAX_PER_OWNER", 20),
			QueueSize:    getEnvInt("PHOTO_QUEUE_SIZE", 256),
			PollInterval: getEnvDuration("PHOTO_POLL_INTERVAL", 2*time.Minute),
			OrphanGrace:  getEnvDuration("PHOTO_ORPHAN_GRACE", time.Hour),
			StaleClaim:   getEnvDuration("PHOTO_STALE_CLAIM", 10*time.Minute),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Scheduler: SchedulerConfig{
			PurgeCron:  getEnv("PURGE_CRON", "0 3 * * *"),
			ExpireCron: getEnv("EXPIRE_CRON", "30 3 * * *"),
			StaleAfter: getEnvDuration("STALE_AFTER", 14*24*time.Hour),
		},
		RedisURL: os.Getenv("REDIS_URL"),
		ProxyURL: os.Getenv("PROXY_URL"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", "ledger.log"),
	}

	ledger, err := LoadLedger(getEnv("LEDGER_CONFIG", "config/ledger.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Ledger = ledger

	cfg.DefaultCity = getEnv("DEFAULT_CITY", ledger.DefaultCity)
	if cfg.DefaultCity == "" {
		cfg.DefaultCity = "Victoria"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLedger reads the yaml ledger config. A missing file yields an empty config.
func LoadLedger(path string) (*LedgerConfig, error) {
	ledger := &LedgerConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ledger, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, ledger); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range ledger.Neighborhoods {
		if ledger.Neighborhoods[i].City == "" {
			ledger.Neighborhoods[i].City = ledger.DefaultCity
		}
	}
	return ledger, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite":
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DB.Driver)
	}
	switch c.Photos.Storage {
	case "local":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 photo storage")
		}
	default:
		return fmt.Errorf("unknown PHOTO_STORAGE %q", c.Photos.Storage)
	}
	if c.Photos.Concurrency < 1 {
		c.Photos.Concurrency = 1
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
