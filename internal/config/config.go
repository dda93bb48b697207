package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string `yaml:"addr"`
	CORSOrigin string `yaml:"corsOrigin"`
	LogLevel   string `yaml:"logLevel"`
	// Empty DatabaseURL keeps the update log in memory.
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`
	ReposDir    string `yaml:"reposDir"`
	// Kafka relay for local update blobs
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`
	// Search
	MeiliURL       string `yaml:"meiliUrl"`
	MeiliMasterKey string `yaml:"meiliMasterKey"`
	// State archive
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSsl"`
	// Mutation pipeline tuning
	MaxRetries        int           `yaml:"maxRetries"`
	MaxTargets        int           `yaml:"maxTargets"`
	ObserveThrottle   time.Duration `yaml:"observeThrottle"`
	DedupWindow       time.Duration `yaml:"dedupWindow"`
	BatchWindow       time.Duration `yaml:"batchWindow"`
	MaxListedBlocks   int           `yaml:"maxListedBlocks"`
	PresenceMirrorTTL time.Duration `yaml:"presenceMirrorTtl"`
}

// Load reads configuration from the environment, then applies the YAML file
// named by COEDIT_CONFIG_FILE on top of it when set.
func Load() (Config, error) {
	cfg := Config{
		Addr:              getenv("COEDIT_ADDR", ":8788"),
		CORSOrigin:        getenv("COEDIT_CORS_ORIGIN", "*"),
		LogLevel:          getenv("COEDIT_LOG_LEVEL", "info"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		RedisURL:          getenv("REDIS_URL", ""),
		ReposDir:          getenv("COEDIT_REPOS_DIR", "./data/repos"),
		KafkaBrokers:      getenvList("KAFKA_BROKERS"),
		KafkaTopic:        getenv("KAFKA_TOPIC", "coedit.updates"),
		MeiliURL:          getenv("MEILI_URL", ""),
		MeiliMasterKey:    getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:     getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:    getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:    getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:       getenv("MINIO_BUCKET", "coedit-state"),
		MinioUseSSL:       getenv("MINIO_USE_SSL", "false") == "true",
		MaxRetries:        getenvInt("COEDIT_MAX_RETRIES", 3),
		MaxTargets:        getenvInt("COEDIT_MAX_TARGETS", 50),
		ObserveThrottle:   getenvDuration("COEDIT_OBSERVE_THROTTLE", 50*time.Millisecond),
		DedupWindow:       getenvDuration("COEDIT_DEDUP_WINDOW", 5*time.Second),
		BatchWindow:       getenvDuration("COEDIT_BATCH_WINDOW", 500*time.Millisecond),
		MaxListedBlocks:   getenvInt("COEDIT_MAX_LISTED_BLOCKS", 5),
		PresenceMirrorTTL: getenvDuration("COEDIT_PRESENCE_MIRROR_TTL", 5*time.Minute),
	}

	path := strings.TrimSpace(os.Getenv("COEDIT_CONFIG_FILE"))
	if path == "" {
		return cfg, nil
	}
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
