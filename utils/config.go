package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	// Translation backend
	BackendURL         string
	BackendTasksPrefix string
	BackendAdminPrefix string
	// Proxy and realtime endpoints used by the lifecycle client
	ProxyURL         string
	RealtimeURL      string
	WebsocketEnabled bool

	MaxFileSizeMB   int64
	PollInterval    time.Duration
	ReconnectDelay  time.Duration
	DefaultLanguage string
	DefaultStyle    string
	InspectUploads  bool

	StaticDir    string
	CookieSecure bool
	// Peers allowed to set X-Forwarded-For
	TrustedProxies []*net.IPNet

	LogLevel    string
	LogFilePath string

	AuditDBDriver string
	AuditDBDSN    string

	RedisAddr      string
	RedisPassword  string
	StatusCacheTTL time.Duration

	TelegramBotToken string
	TelegramChatID   int64
	NATSURL          string
	NATSSubject      string

	TokenPath              string
	LoginAttemptsPerMinute int
}

// LoadConfig reads .env when present and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}
	return configFromEnv()
}

// LoadConfigFile is LoadConfig with an explicit env file path.
func LoadConfigFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", path, err)
		}
	}
	return configFromEnv()
}

func configFromEnv() (*Config, error) {
	var err error
	config := &Config{}

	config.ListenAddr = envOr("LISTEN_ADDR", ":3000")

	config.BackendURL = strings.TrimRight(envOr("BACKEND_URL", "http://127.0.0.1:8001"), "/")
	config.BackendTasksPrefix = envOr("BACKEND_TASKS_PREFIX", "/v1")
	config.BackendAdminPrefix = envOr("BACKEND_ADMIN_PREFIX", "/api")

	config.ProxyURL = strings.TrimRight(envOr("PROXY_URL", "http://localhost:3000"), "/")
	config.RealtimeURL = strings.TrimRight(envOr("REALTIME_URL", "ws://localhost:8000/api/ws"), "/")
	config.WebsocketEnabled = os.Getenv("WEBSOCKET_ENABLED") == "true"

	config.MaxFileSizeMB, err = envInt64("MAX_FILE_SIZE_MB", 100)
	if err != nil {
		return nil, err
	}
	if config.MaxFileSizeMB <= 0 {
		return nil, fmt.Errorf("MAX_FILE_SIZE_MB must be positive")
	}

	config.PollInterval, err = envMillis("POLL_INTERVAL_MS", 2000)
	if err != nil {
		return nil, err
	}
	config.ReconnectDelay, err = envMillis("RECONNECT_DELAY_MS", 3000)
	if err != nil {
		return nil, err
	}

	config.DefaultLanguage = envOr("DEFAULT_LANGUAGE", "zh-CN")
	config.DefaultStyle = envOr("DEFAULT_STYLE", "auto")
	config.InspectUploads = os.Getenv("INSPECT_UPLOADS") != "false"

	config.StaticDir = envOr("STATIC_DIR", "web")
	config.CookieSecure = os.Getenv("COOKIE_SECURE") == "true"
	config.TrustedProxies, err = parseNetworks(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}

	config.LogLevel = envOr("LOG_LEVEL", "info")
	config.LogFilePath = envOr("LOG_FILE_PATH", "logs/web.log")

	config.AuditDBDriver = envOr("AUDIT_DB_DRIVER", "sqlite3")
	if config.AuditDBDriver != "sqlite3" && config.AuditDBDriver != "mysql" {
		return nil, fmt.Errorf("AUDIT_DB_DRIVER must be sqlite3 or mysql, got %q", config.AuditDBDriver)
	}
	config.AuditDBDSN = envOr("AUDIT_DB_DSN", "data/audit.db")

	config.RedisAddr = os.Getenv("REDIS_ADDR")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	config.StatusCacheTTL, err = envMillis("STATUS_CACHE_TTL_MS", 1000)
	if err != nil {
		return nil, err
	}

	config.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	config.TelegramChatID, err = envInt64("TELEGRAM_CHAT_ID", 0)
	if err != nil {
		return nil, err
	}
	config.NATSURL = os.Getenv("NATS_URL")
	config.NATSSubject = envOr("NATS_SUBJECT", "rusted.tasks.events")

	config.TokenPath = os.Getenv("TOKEN_PATH")
	if config.TokenPath == "" {
		if home, herr := os.UserHomeDir(); herr == nil {
			config.TokenPath = home + "/.rwtranslate/admin_token"
		} else {
			config.TokenPath = ".rwtranslate_admin_token"
		}
	}

	attempts, err := envInt64("LOGIN_ATTEMPTS_PER_MINUTE", 5)
	if err != nil {
		return nil, err
	}
	config.LoginAttemptsPerMinute = int(attempts)

	return config, nil
}

func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// TasksURL joins the backend base URL, the tasks prefix and path.
func (c *Config) TasksURL(path string) string {
	return c.BackendURL + c.BackendTasksPrefix + path
}

// AdminURL joins the backend base URL, the admin prefix and path.
func (c *Config) AdminURL(path string) string {
	return c.BackendURL + c.BackendAdminPrefix + path
}

// parseNetworks reads a comma-separated list of IPs and CIDR ranges.
func parseNetworks(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			ip := net.ParseIP(item)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", item)
			}
			bits := 128
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(item)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envMillis(key string, def int64) (time.Duration, error) {
	ms, err := envInt64(key, def)
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
