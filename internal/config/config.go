package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

type Config struct {
	Port                  string   `yaml:"port"`
	Env                   string   `yaml:"env"`
	LogLevel              string   `yaml:"log_level"`
	DBDriver              string   `yaml:"db_driver"`
	DatabaseDSN           string   `yaml:"database_dsn"`
	MongoURI              string   `yaml:"mongo_uri"`
	MongoDatabase         string   `yaml:"mongo_database"`
	JWTSecret             string   `yaml:"jwt_secret"`
	AccessTokenTTLMinutes int      `yaml:"access_token_ttl_minutes"`
	TrustUserHeader       bool     `yaml:"trust_user_header"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	TypingTTLSeconds      int      `yaml:"typing_ttl_seconds"`
	UploadDir             string   `yaml:"upload_dir"`
	UploadMaxBytes        int64    `yaml:"upload_max_bytes"`
}

func defaults() Config {
	return Config{
		Port:                  "8080",
		Env:                   "dev",
		DBDriver:              DriverPostgres,
		DatabaseDSN:           "host=localhost user=postgres password=postgres dbname=chatsync port=5432 sslmode=disable TimeZone=UTC",
		MongoURI:              "mongodb://localhost:27017",
		MongoDatabase:         "chatsync",
		JWTSecret:             defaultJWTSecret,
		AccessTokenTTLMinutes: 15,
		TypingTTLSeconds:      5,
		UploadDir:             "uploads",
		UploadMaxBytes:        10 << 20,
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 非法或非正数时回退到默认值。
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func applyEnv(cfg *Config) {
	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBDriver = strings.ToLower(getenv("DB_DRIVER", cfg.DBDriver))
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.MongoURI = getenv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = getenv("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.AccessTokenTTLMinutes = getenvInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)
	cfg.TrustUserHeader = getenvBool("TRUST_USER_HEADER", cfg.TrustUserHeader)
	cfg.AllowedOrigins = getenvList("CORS_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.TypingTTLSeconds = getenvInt("TYPING_TTL_SECONDS", cfg.TypingTTLSeconds)
	cfg.UploadDir = getenv("UPLOAD_DIR", cfg.UploadDir)
	cfg.UploadMaxBytes = int64(getenvInt("UPLOAD_MAX_BYTES", int(cfg.UploadMaxBytes)))
}

// Load 只从环境变量读取配置。
func Load() Config {
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile 先读取 YAML 文件，再用环境变量覆盖；path 为空时等同于 Load。
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Validate 校验启动所需的关键配置；非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	switch cfg.DBDriver {
	case "", DriverPostgres, DriverSQLite:
		if cfg.DatabaseDSN == "" {
			return errors.New("database dsn is required")
		}
	case DriverMongo:
		if cfg.MongoURI == "" || cfg.MongoDatabase == "" {
			return errors.New("mongo uri and database are required")
		}
	default:
		return fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("jwt secret must be changed outside dev")
	}
	return nil
}
