package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// 鉴权模式。
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "apikey"
	AuthModeJWT    = "jwt"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	PublicBaseURL      string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxUploadSize      int64
	UploadConcurrency  int
	UploadTimeout      time.Duration

	DBDriver      string // "postgres" 或 "memory"
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBAutoMigrate bool

	// 存储配置
	StorageDriver      string // "local"、"s3"、"gcs" 或 "memory"
	StorageDir         string
	S3Endpoint         string // S3/MinIO 端点，不含协议
	S3AccessKey        string
	S3SecretKey        string
	S3Bucket           string
	S3Region           string
	S3UseSSL           bool // 是否使用 HTTPS
	S3PathStyle        bool // 是否使用路径风格访问（MinIO 需要设为 true）
	GCSBucket          string
	GCSCredentialsFile string
	GCSEndpoint        string

	// 鉴权配置，只作用于管理类接口
	AuthMode      string
	APIKeys       []string
	JWTJWKSURL    string
	JWTHMACSecret string

	// 过期清理
	CleanupSchedule  string // cron 表达式，空字符串表示不调度
	CleanupBatchSize int

	// 图片处理
	ImageMaxBytes         int64
	ImageMaxPixels        int64
	ImageMinDimension     int
	ImageTransformTimeout time.Duration
	ImageDefaultQuality   int

	MetadataCacheSize int
	MetadataCacheTTL  time.Duration

	LogLevel  string
	LogFormat string
}

// Load 从环境变量加载配置，并提供默认值。
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:           envOrDefault("PORT", "8080"),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		DBDriver:           strings.ToLower(envOrDefault("DB_DRIVER", "postgres")),
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBUser:             envOrDefault("DB_USER", "assetvault"),
		DBPassword:         envOrDefault("DB_PASSWORD", "assetvault"),
		DBName:             envOrDefault("DB_NAME", "assetvault"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),
		DBAutoMigrate:      parseBoolEnv("DB_AUTO_MIGRATE", true),
		StorageDriver:      strings.ToLower(envOrDefault("STORAGE_DRIVER", "local")),
		StorageDir:         envOrDefault("STORAGE_DIR", "./data"),
		S3Endpoint:         envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           envOrDefault("S3_BUCKET", "assetvault"),
		S3Region:           envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:           parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:        parseBoolEnv("S3_PATH_STYLE", true),
		GCSBucket:          os.Getenv("GCS_BUCKET"),
		GCSCredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
		GCSEndpoint:        os.Getenv("GCS_ENDPOINT"),
		AuthMode:           strings.ToLower(envOrDefault("AUTH_MODE", AuthModeNone)),
		APIKeys:            parseList(os.Getenv("API_KEYS")),
		JWTJWKSURL:         os.Getenv("JWT_JWKS_URL"),
		JWTHMACSecret:      os.Getenv("JWT_HMAC_SECRET"),
		LogLevel:           strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
	}

	cfg.CORSAllowedOrigins = parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	// CLEANUP_SCHEDULE 显式设为空表示关闭定时清理
	if raw, ok := os.LookupEnv("CLEANUP_SCHEDULE"); ok {
		cfg.CleanupSchedule = strings.TrimSpace(raw)
	} else {
		cfg.CleanupSchedule = "@every 10m"
	}

	var err error
	if cfg.RateLimitRequests, err = parseIntEnv("RATE_LIMIT_REQUESTS", 120); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxUploadSize, err = parseInt64Env("MAX_UPLOAD_SIZE", 100<<20); err != nil {
		return nil, err
	}
	if cfg.UploadConcurrency, err = parseIntEnv("UPLOAD_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.UploadTimeout, err = parseDurationEnv("UPLOAD_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = parseIntEnv("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.CleanupBatchSize, err = parseIntEnv("CLEANUP_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.ImageMaxBytes, err = parseInt64Env("IMAGE_MAX_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.ImageMaxPixels, err = parseInt64Env("IMAGE_MAX_PIXELS", 40_000_000); err != nil {
		return nil, err
	}
	if cfg.ImageMinDimension, err = parseIntEnv("IMAGE_MIN_DIMENSION", 100); err != nil {
		return nil, err
	}
	if cfg.ImageTransformTimeout, err = parseDurationEnv("IMAGE_TRANSFORM_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ImageDefaultQuality, err = parseIntEnv("IMAGE_DEFAULT_QUALITY", 80); err != nil {
		return nil, err
	}
	if cfg.ImageDefaultQuality > 100 {
		return nil, fmt.Errorf("IMAGE_DEFAULT_QUALITY 必须在 1-100 之间")
	}
	if cfg.MetadataCacheSize, err = parseNonNegativeIntEnv("METADATA_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.MetadataCacheTTL, err = parseDurationEnv("METADATA_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StorageDriver == "local" {
		if err := ensureDir(cfg.StorageDir); err != nil {
			return nil, fmt.Errorf("确保存储目录失败: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DB_DRIVER 不支持: %q", c.DBDriver)
	}

	switch c.StorageDriver {
	case "local", "s3", "memory":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("STORAGE_DRIVER=gcs 需要设置 GCS_BUCKET")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER 不支持: %q", c.StorageDriver)
	}

	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("AUTH_MODE=apikey 需要设置 API_KEYS")
		}
	case AuthModeJWT:
		if c.JWTJWKSURL == "" && c.JWTHMACSecret == "" {
			return fmt.Errorf("AUTH_MODE=jwt 需要设置 JWT_JWKS_URL 或 JWT_HMAC_SECRET")
		}
	default:
		return fmt.Errorf("AUTH_MODE 不支持: %q", c.AuthMode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL 不支持: %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT 不支持: %q", c.LogFormat)
	}
	return nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

// parseNonNegativeIntEnv 与 parseIntEnv 类似，但 0 是合法值（用于关闭某项功能）。
func parseNonNegativeIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("%s 不能为负数", key)
	}
	return value, nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	return c.dsn("postgres")
}

// MigrateURL 生成 golang-migrate pgx/v5 驱动使用的连接串。
func (c *Config) MigrateURL() string {
	return c.dsn("pgx5")
}

func (c *Config) dsn(scheme string) string {
	u := &url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
