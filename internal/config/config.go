package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool

	// Database，为空时使用内存存储（降级模式）
	DatabaseURL      string
	MemoryEventLimit int

	// Smartcar API
	SmartcarClientID     string
	SmartcarClientSecret string
	SmartcarRedirectURI  string
	SmartcarMode         string
	SmartcarScopes       []string
	SmartcarAuthHost     string
	SmartcarConnectHost  string
	SmartcarAPIHost      string
	SmartcarRateLimit    float64

	// Webhook 校验密钥 (Application Management Token)
	ManagementToken string

	// Token 过期前的安全缓冲
	TokenRefreshBuffer time.Duration

	// 无法确定归属时使用的占位用户
	PlaceholderUserID string
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:           getEnv("PORT", "8000"),
		Debug:                getEnvBool("DEBUG", false),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		MemoryEventLimit:     getEnvInt("MEMORY_EVENT_LIMIT", 100),
		SmartcarClientID:     getEnv("SMARTCAR_CLIENT_ID", ""),
		SmartcarClientSecret: getEnv("SMARTCAR_CLIENT_SECRET", ""),
		SmartcarRedirectURI:  getEnv("SMARTCAR_REDIRECT_URI", ""),
		SmartcarMode:         getEnv("SMARTCAR_MODE", "test"),
		SmartcarScopes:       getEnvList("SMARTCAR_SCOPES", []string{"read_vehicle_info", "read_odometer", "read_location", "read_battery", "read_charge"}),
		SmartcarAuthHost:     getEnv("SMARTCAR_AUTH_HOST", "https://auth.smartcar.com"),
		SmartcarConnectHost:  getEnv("SMARTCAR_CONNECT_HOST", "https://connect.smartcar.com"),
		SmartcarAPIHost:      getEnv("SMARTCAR_API_HOST", "https://api.smartcar.com/v2.0"),
		SmartcarRateLimit:    getEnvFloat("SMARTCAR_RATE_LIMIT", 2),
		ManagementToken:      getEnv("SMARTCAR_MANAGEMENT_TOKEN", ""),
		TokenRefreshBuffer:   getEnvDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute),
		PlaceholderUserID:    getEnv("PLACEHOLDER_USER_ID", "default_user"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 检查必填项，一次性列出所有缺失的变量
func (c *Config) Validate() error {
	var missing []string
	check := func(key, value string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	check("SMARTCAR_CLIENT_ID", c.SmartcarClientID)
	check("SMARTCAR_CLIENT_SECRET", c.SmartcarClientSecret)
	check("SMARTCAR_REDIRECT_URI", c.SmartcarRedirectURI)
	check("SMARTCAR_MANAGEMENT_TOKEN", c.ManagementToken)

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.MemoryEventLimit <= 0 {
		return fmt.Errorf("MEMORY_EVENT_LIMIT must be positive, got %d", c.MemoryEventLimit)
	}
	return nil
}

// UseMemoryStore 未配置数据库时进入降级模式
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
