package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// chat client
	APIBaseURL    string
	WSURL         string
	AppKey        string
	HTTPTimeout   time.Duration
	EchoTolerance time.Duration
	Token         string
	UserID        uint64

	// chatd
	ListenAddr string
	DBDriver   string
	DBDSN      string
	JWTSecret  string
	AppSecret  string
	UploadDir  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	LogLevel string
}

// Load reads the environment, after merging a .env file from the working
// directory when there is one.
func Load() Config {
	_ = godotenv.Load()

	apiBase := strings.TrimRight(getenv("CHAT_API_BASE_URL", "http://127.0.0.1:8000/api"), "/")
	appKey := getenv("CHAT_APP_KEY", getenv("APP_KEY", "bookverse-local"))

	wsURL := os.Getenv("CHAT_WS_URL")
	if wsURL == "" {
		wsURL = defaultWSURL(apiBase, appKey)
	}

	// DSN demo (mysql):
	// app:apppass@tcp(127.0.0.1:3306)/bookverse?charset=utf8mb4&parseTime=true&loc=Local
	driver := strings.ToLower(getenv("DB_DRIVER", "sqlite"))
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		if driver == "mysql" {
			dsn = "app:apppass@tcp(127.0.0.1:3306)/bookverse?charset=utf8mb4&parseTime=true&loc=Local"
		} else {
			dsn = "file:chatd.db?_pragma=busy_timeout(5000)"
		}
	}

	return Config{
		APIBaseURL:    apiBase,
		WSURL:         wsURL,
		AppKey:        appKey,
		HTTPTimeout:   getDuration("CHAT_HTTP_TIMEOUT", 30*time.Second),
		EchoTolerance: getDuration("CHAT_ECHO_TOLERANCE", 10*time.Second),
		Token:         os.Getenv("CHAT_TOKEN"),
		UserID:        uint64(getInt("CHAT_USER_ID", 0)),

		ListenAddr: getenv("LISTEN_ADDR", ":8000"),
		DBDriver:   driver,
		DBDSN:      dsn,
		JWTSecret:  getenv("JWT_SECRET", "dev-secret-change-me"),
		AppSecret:  getenv("APP_SECRET", "dev-app-secret-change-me"),
		UploadDir:  getenv("UPLOAD_DIR", "storage"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getenv("RABBIT_QUEUE", "chat_message_events"),
		WorkerConcurrency: clamp(getInt("WORKER_CONCURRENCY", 2), 1, 50),

		LogLevel: getenv("LOG_LEVEL", "info"),
	}
}

// defaultWSURL derives ws://host/app/{key} from the API base URL.
func defaultWSURL(apiBase, key string) string {
	u := apiBase
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u = strings.TrimSuffix(u, "/api")
	return u + "/app/" + key
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getDuration accepts Go durations ("30s") or plain milliseconds ("30000").
func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
