package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working
// directory of the review service.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                string `yaml:"port"`
	LogLevel            string `yaml:"logLevel"`
	LogsDir             string `yaml:"logsDir"`
	DatabaseURL         string `yaml:"databaseURL"`
	RedisAddr           string `yaml:"redisAddr"`
	RedisPassword       string `yaml:"redisPassword"`
	QueueStream         string `yaml:"queueStream"`
	QueueGroup          string `yaml:"queueGroup"`
	WorkerConcurrency   int    `yaml:"workerConcurrency"`
	AdminTokenSecret    string `yaml:"adminTokenSecret"`
	MinioEndpoint       string `yaml:"minioEndpoint"`
	MinioAccessKey      string `yaml:"minioAccessKey"`
	MinioSecretKey      string `yaml:"minioSecretKey"`
	MinioBucket         string `yaml:"minioBucket"`
	MinioUseSSL         bool   `yaml:"minioUseSSL"`
	LLMTimeoutSeconds   int    `yaml:"llmTimeoutSeconds"`
	TestTimeoutSeconds  int    `yaml:"testTimeoutSeconds"`
	ManuscriptCharLimit int    `yaml:"manuscriptCharLimit"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REVIEW_QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("REVIEW_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("REVIEW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("REVIEW_ADMIN_TOKEN_SECRET"); v != "" {
		cfg.AdminTokenSecret = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("REVIEW_LLM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLMTimeoutSeconds = n
		}
	}
	if v := os.Getenv("REVIEW_TEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("REVIEW_MANUSCRIPT_CHAR_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManuscriptCharLimit = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.QueueStream == "" {
		return errors.New("config: queueStream is required (set in config.yaml or REVIEW_QUEUE_STREAM)")
	}
	if strings.TrimSpace(cfg.AdminTokenSecret) == "" {
		return errors.New("config: adminTokenSecret is required (set in config.yaml or REVIEW_ADMIN_TOKEN_SECRET)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if cfg.WorkerConcurrency < 0 {
		return errors.New("config: workerConcurrency must be >= 0")
	}
	if cfg.LLMTimeoutSeconds < 0 {
		return errors.New("config: llmTimeoutSeconds must be >= 0")
	}
	if cfg.TestTimeoutSeconds < 0 {
		return errors.New("config: testTimeoutSeconds must be >= 0")
	}
	if cfg.ManuscriptCharLimit < 0 {
		return errors.New("config: manuscriptCharLimit must be >= 0")
	}
	return nil
}
