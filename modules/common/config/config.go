package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// Redis
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	GalleryTable          string

	// Generation backend
	BackendKind    string // "sdapi" | "gemini"
	BackendURL     string
	BackendTimeout time.Duration
	CallbackURL    string
	CallbackSecret string
	GeminiAPIKeys  []string
	GeminiModel    string
	CatalogPath    string

	// Tokens
	JWTSecret       string
	SessionSecret   string
	InternalSubject string
	ChannelTokenTTL time.Duration

	// Budgets
	SystemDailyLimit     int64
	IPDailyLimit         int64
	UserDailyLimit       int64
	DailyCreditIncrement int64
	FreeQueueMax         int64
	HighPriorityCost     int64
	HiresCost            int64
	ResetPeriod          time.Duration

	// Dispatcher
	PollInterval      time.Duration
	ProcessingTimeout time.Duration

	// Server
	Port     string
	LogLevel string
	LogFile  string
	// TrustedProxies - X-Forwarded-For를 믿을 프록시 주소 (IP 또는 CIDR)
	TrustedProxies []string
}

// LoadConfig - 환경변수 로드
func LoadConfig() (*Config, error) {
	// .env 파일 로드 (있으면)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	cfg := &Config{
		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getBool("REDIS_USE_TLS", false),

		// Supabase
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "generations"),
		GalleryTable:          getEnv("GALLERY_TABLE", "generated_images"),

		// Generation backend
		BackendKind:    getEnv("BACKEND_KIND", "sdapi"),
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:7860"),
		BackendTimeout: getDuration("BACKEND_TIMEOUT", 30*time.Second),
		CallbackURL:    getEnv("CALLBACK_URL", ""),
		CallbackSecret: getEnv("CALLBACK_SECRET", ""),
		GeminiAPIKeys:  getList("GEMINI_API_KEYS"),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		CatalogPath:    getEnv("CATALOG_PATH", ""),

		// Tokens
		JWTSecret:       getEnv("JWT_SECRET", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		InternalSubject: getEnv("INTERNAL_SUBJECT", "__server__"),
		ChannelTokenTTL: getDuration("CHANNEL_TOKEN_TTL", 30*time.Minute),

		// Budgets
		SystemDailyLimit:     getInt("SYSTEM_DAILY_LIMIT", 1000),
		IPDailyLimit:         getInt("IP_DAILY_LIMIT", 5),
		UserDailyLimit:       getInt("USER_DAILY_LIMIT", 10),
		DailyCreditIncrement: getInt("DAILY_CREDIT_INCREMENT", 10),
		FreeQueueMax:         getInt("FREE_QUEUE_MAX", 50),
		HighPriorityCost:     getInt("HIGH_PRIORITY_COST", 10),
		HiresCost:            getInt("HIRES_COST", 5),
		ResetPeriod:          getDuration("RESET_PERIOD", 24*time.Hour),

		// Dispatcher
		PollInterval:      getDuration("POLL_INTERVAL", 500*time.Millisecond),
		ProcessingTimeout: getDuration("PROCESSING_TIMEOUT", 10*time.Minute),

		// Server
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		TrustedProxies: getList("TRUSTED_PROXIES"),
	}

	// 필수 환경변수 검증
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// SESSION_SECRET이 없으면 JWT_SECRET 공유
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.JWTSecret
	}

	return cfg, nil
}

// validate - 필수 환경변수 검증
func (c *Config) validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_KEY is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.BackendKind {
	case "sdapi":
		if c.CallbackURL == "" {
			return fmt.Errorf("CALLBACK_URL is required for sdapi backend")
		}
	case "gemini":
		if len(c.GeminiAPIKeys) == 0 {
			return fmt.Errorf("GEMINI_API_KEYS is required for gemini backend")
		}
	default:
		return fmt.Errorf("unknown BACKEND_KIND: %s", c.BackendKind)
	}
	if c.PollInterval <= 0 || c.ResetPeriod <= 0 {
		return fmt.Errorf("POLL_INTERVAL and RESET_PERIOD must be positive")
	}
	for _, p := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			return fmt.Errorf("TRUSTED_PROXIES: invalid address %q", p)
		}
	}
	return nil
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if s := os.Getenv(key); s != "" {
		if parsed, err := strconv.ParseBool(s); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using %v", key, s, defaultValue)
	}
	return defaultValue
}

func getInt(key string, defaultValue int64) int64 {
	if s := os.Getenv(key); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using %d", key, s, defaultValue)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using %s", key, s, defaultValue)
	}
	return defaultValue
}

// getList - 콤마 구분 리스트 (API 키 여러 개)
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
