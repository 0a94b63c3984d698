package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by TASKMESH_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("TASKMESH_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func intEnv(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func durationEnv(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func ServerPort() int {
	return intEnv("SERVER_PORT", 8080)
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// StoreBackend selects the task/agent/idempotency storage.
// Valid values: postgres, memory. Defaults to postgres when DATABASE_URL is
// set, memory otherwise.
func StoreBackend() string {
	b := os.Getenv("STORE_BACKEND")
	if b != "" {
		return b
	}
	if DatabaseURL() != "" {
		return "postgres"
	}
	return "memory"
}

// HeartbeatTTL is how long an agent stays routable after its last heartbeat.
func HeartbeatTTL() time.Duration {
	return durationEnv("HEARTBEAT_TTL", 30*time.Second)
}

// SweepSchedule is the cron spec for the registry sweep.
func SweepSchedule() string {
	s := os.Getenv("SWEEP_SCHEDULE")
	if s == "" {
		return "@every 1m"
	}
	return s
}

// RoutedTimeout is how long a task may sit in Routed before the sweep hands
// it back to the retry policy.
func RoutedTimeout() time.Duration {
	return durationEnv("ROUTED_TIMEOUT", 2*time.Minute)
}

// MaxAttempts is the transient-failure budget before a task dead-letters.
func MaxAttempts() int {
	return intEnv("MAX_ATTEMPTS", 5)
}

// RoutingAttempts bounds how many routing rounds a task gets before it
// fails as unroutable.
func RoutingAttempts() int {
	return intEnv("ROUTING_ATTEMPTS", 3)
}

func BackoffBase() time.Duration {
	return durationEnv("BACKOFF_BASE", 250*time.Millisecond)
}

func BackoffCap() time.Duration {
	return durationEnv("BACKOFF_CAP", 5*time.Second)
}

// HandlerTimeout is the hard bound on one handler invocation. Work that
// needs longer must emit follow-up tasks instead.
func HandlerTimeout() time.Duration {
	return durationEnv("HANDLER_TIMEOUT", 30*time.Second)
}

// IdempotencyTTL is the dedup retention window. Keep it above the
// worst-case total retry span (MaxAttempts rounds of capped backoff) or an
// expired record lets a late redelivery through; the default leaves orders
// of magnitude of headroom.
func IdempotencyTTL() time.Duration {
	return durationEnv("IDEMPOTENCY_TTL", 24*time.Hour)
}

// IdempotencyBackend selects the dedup storage.
// Valid values: postgres, memory. Defaults to StoreBackend.
func IdempotencyBackend() string {
	b := os.Getenv("IDEMPOTENCY_BACKEND")
	if b == "" {
		return StoreBackend()
	}
	return b
}

// IdempotencyCacheSize is the memory backend's LRU capacity.
func IdempotencyCacheSize() int {
	return intEnv("IDEMPOTENCY_CACHE_SIZE", 65536)
}

// QueueBuffer is the per-queue channel capacity of the in-process broker.
func QueueBuffer() int {
	return intEnv("QUEUE_BUFFER", 256)
}

// RedeliveryLimit is how many times a nacked message is requeued before the
// broker dead-letters it.
func RedeliveryLimit() int {
	return intEnv("REDELIVERY_LIMIT", 3)
}

// StrictSchemas rejects submissions for task types without a registered
// payload schema.
func StrictSchemas() bool {
	return os.Getenv("STRICT_SCHEMAS") == "true"
}

// DemoEchoAgent registers a local echo agent at startup.
func DemoEchoAgent() bool {
	return os.Getenv("DEMO_ECHO_AGENT") != "false"
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	return intEnv("RATE_LIMIT_BURST", 20)
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
