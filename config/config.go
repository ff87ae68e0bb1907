package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the service reads from the environment.
type Config struct {
	Port           string
	AllowedOrigins []string
	GatewayToken   string

	DatabaseType string // postgres | sqlite
	DatabaseURL  string
	DatabasePath string
	SQLLogLevel  string

	AttemptCooldown     time.Duration
	RewardSafetyCeiling int64
	StreakLocation      *time.Location
	AuditInterval       time.Duration // 0 disables the scheduled audit

	R2AccountID    string
	R2AccessKey    string
	R2SecretKey    string
	R2Bucket       string
	SyncServiceURL string
	SyncInterval   time.Duration

	AuthServiceURL   string // enables the query-token SSE route
	AuthServiceToken string
}

// Load reads .env (when present) and the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		Port:                GetEnv("PORT", "5200"),
		AllowedOrigins:      splitList(GetEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		GatewayToken:        GetEnv("GATEWAY_SERVICE_TOKEN"),
		DatabaseType:        strings.ToLower(GetEnv("DATABASE_TYPE", "postgres")),
		DatabaseURL:         GetEnv("DATABASE_URL"),
		DatabasePath:        GetEnv("DATABASE_PATH", "progress.db"),
		SQLLogLevel:         GetEnv("SQL_LOG_LEVEL", "warn"),
		AttemptCooldown:     GetDuration("ATTEMPT_COOLDOWN", 15*time.Minute),
		RewardSafetyCeiling: GetInt64("REWARD_SAFETY_CEILING", 1000),
		StreakLocation:      getLocation("STREAK_TIMEZONE"),
		AuditInterval:       GetDuration("AUDIT_INTERVAL", time.Hour),
		R2AccountID:         GetEnv("CLOUDFLARE_ACCOUNT_ID"),
		R2AccessKey:         GetEnv("R2_ACCESS_KEY_ID"),
		R2SecretKey:         GetEnv("R2_ACCESS_KEY_SECRET"),
		R2Bucket:            GetEnv("R2_BUCKET_NAME"),
		SyncServiceURL:      GetEnv("SYNC_SERVICE_URL"),
		SyncInterval:        GetDuration("STUDENT_SYNC_INTERVAL", time.Minute),
		AuthServiceURL:      GetEnv("AUTH_SERVICE_URL"),
		AuthServiceToken:    GetEnv("AUTH_SERVICE_TOKEN"),
	}
	return cfg
}

// R2Enabled reports whether audit reports can be uploaded.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKey != "" && c.R2SecretKey != "" && c.R2Bucket != ""
}

func GetEnv(key string, defaultValue ...string) string {
	value, exists := os.LookupEnv(key)
	if (!exists || value == "") && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return value
}

func GetDuration(key string, def time.Duration) time.Duration {
	raw := GetEnv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		log.Printf("⚠️  invalid %s=%q, using %s", key, raw, def)
		return def
	}
	return d
}

func GetInt64(key string, def int64) int64 {
	raw := GetEnv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		log.Printf("⚠️  invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return n
}

func getLocation(key string) *time.Location {
	name := GetEnv(key, "UTC")
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("⚠️  unknown %s=%q, using UTC", key, name)
		return time.UTC
	}
	return loc
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
