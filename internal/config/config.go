package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	SERVICE_NAME  string
	TRACE_URL     string
	LOG_LEVEL     string
	HTTP_ADDR     string
	METRICS_ADDR  string
	CACHE_TYPE    string
	STORAGE_TYPE  string
	EVENTS_TYPE   string
	RECORDER_TYPE string
}

type NatsConfig struct {
	URL               string
	TTL               int
	BUCKET_NAME       string
	BUCKET_SIZE_BYTES int
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL              string
	ARTIFACTS_BUCKET string
	ACCESS_KEY       string
	SECRET_KEY       string
	USE_SSL          bool
}

type PostgresConfig struct {
	URL string
}

type WorkQueueConfig struct {
	QUEUE_KEY      string
	HISTORY_PREFIX string
	WORKERS_KEY    string
}

type PoolConfig struct {
	TARGET_SIZE int
	NUM_WORKERS int
	BACKOFF_MS  int
}

type SandboxConfig struct {
	IMAGE            string
	WORK_DIR         string
	MAX_ATTEMPTS     int
	RETRY_DELAY_MS   int
	INSTALL_TIMEOUT  int
	RUN_TIMEOUT      int
	MEMORY_BYTES     int64
	CPU_QUOTA        int64
	SECCOMP_PROFILE  string
	APPARMOR_PROFILE string
	RUNTIME          string
}

type WebSandboxConfig struct {
	IMAGE            string
	WORK_DIR         string
	PORT_MIN         int
	PORT_MAX         int
	BROWSER_DELAY_MS int
	LOG_WAIT_MS      int
	CHROME_PATH      string
}

type LLMConfig struct {
	BASE_URL        string
	API_KEY         string
	GENERATOR_MODEL string
	ANSWER_MODELS   []string
	TIMEOUT         int
	MAX_REPAIRS     int
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func intOr(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	return convertStringToInt(v, key)
}

func positiveIntOr(key string, def int) (int, error) {
	v, err := intOr(key, def)
	if err != nil {
		return -1, err
	}
	if v <= 0 {
		return -1, fmt.Errorf("KEY: %s must be positive", key)
	}
	return v, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	ct := envOr("CACHE_TYPE", "freecache")
	switch ct {
	case "redis", "freecache", "jetstream":
	default:
		return nil, fmt.Errorf("KEY: CACHE_TYPE is invalid")
	}
	st := envOr("STORAGE_TYPE", "none")
	if st != "minio" && st != "none" {
		return nil, fmt.Errorf("KEY: STORAGE_TYPE is invalid")
	}
	et := envOr("EVENTS_TYPE", "none")
	if et != "jetstream" && et != "none" {
		return nil, fmt.Errorf("KEY: EVENTS_TYPE is invalid")
	}
	rt := envOr("RECORDER_TYPE", "none")
	if rt != "postgres" && rt != "none" {
		return nil, fmt.Errorf("KEY: RECORDER_TYPE is invalid")
	}
	return &Config{
		SERVICE_NAME:  sn,
		TRACE_URL:     env("TRACE_URL"),
		LOG_LEVEL:     env("LOG_LEVEL"),
		HTTP_ADDR:     envOr("HTTP_ADDR", ":8000"),
		METRICS_ADDR:  envOr("METRICS_ADDR", ":9091"),
		CACHE_TYPE:    ct,
		STORAGE_TYPE:  st,
		EVENTS_TYPE:   et,
		RECORDER_TYPE: rt,
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	ttl, err := intOr("JETSTREAM_TTL", 3600)
	if err != nil {
		return nil, err
	}
	bs, err := intOr("JETSTREAM_BUCKET_SIZE", 64<<20)
	if err != nil {
		return nil, err
	}
	return &NatsConfig{
		URL:               url,
		TTL:               ttl,
		BUCKET_NAME:       envOr("JETSTREAM_BUCKET_NAME", "artifacts"),
		BUCKET_SIZE_BYTES: bs,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	ab := env("MINIO_ARTIFACTS_BUCKET")
	if ab == "" {
		return nil, fmt.Errorf("KEY: MINIO_ARTIFACTS_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:              url,
		ARTIFACTS_BUCKET: ab,
		USE_SSL:          ssl == "true",
		ACCESS_KEY:       ak,
		SECRET_KEY:       sk,
	}, nil
}

func GetWorkQueueConfig() *WorkQueueConfig {
	return &WorkQueueConfig{
		QUEUE_KEY:      envOr("QUEUE_KEY", "synthetic:queue"),
		HISTORY_PREFIX: envOr("HISTORY_PREFIX", "synthetic:history"),
		WORKERS_KEY:    envOr("WORKERS_KEY", "synthetic:workers:active"),
	}
}

func GetPoolConfig() (*PoolConfig, error) {
	ts, err := intOr("POOL_TARGET_SIZE", 5)
	if err != nil {
		return nil, err
	}
	if ts < 0 {
		return nil, fmt.Errorf("KEY: POOL_TARGET_SIZE must not be negative")
	}
	nw, err := positiveIntOr("POOL_NUM_WORKERS", 1)
	if err != nil {
		return nil, err
	}
	bo, err := positiveIntOr("POOL_BACKOFF_MS", 3000)
	if err != nil {
		return nil, err
	}
	return &PoolConfig{
		TARGET_SIZE: ts,
		NUM_WORKERS: nw,
		BACKOFF_MS:  bo,
	}, nil
}

func GetSandboxConfig() (*SandboxConfig, error) {
	ma, err := positiveIntOr("SANDBOX_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	rd, err := intOr("SANDBOX_RETRY_DELAY_MS", 3000)
	if err != nil {
		return nil, err
	}
	it, err := positiveIntOr("SANDBOX_INSTALL_TIMEOUT_S", 300)
	if err != nil {
		return nil, err
	}
	rt, err := positiveIntOr("SANDBOX_RUN_TIMEOUT_S", 120)
	if err != nil {
		return nil, err
	}
	mem, err := intOr("SANDBOX_MEMORY_BYTES", 512<<20)
	if err != nil {
		return nil, err
	}
	cpu, err := intOr("SANDBOX_CPU_QUOTA", 100000)
	if err != nil {
		return nil, err
	}
	return &SandboxConfig{
		IMAGE:            envOr("SANDBOX_IMAGE", "python:3.12-slim"),
		WORK_DIR:         envOr("SANDBOX_WORK_DIR", filepath.Join(os.TempDir(), "synthgen", "sandbox")),
		MAX_ATTEMPTS:     ma,
		RETRY_DELAY_MS:   rd,
		INSTALL_TIMEOUT:  it,
		RUN_TIMEOUT:      rt,
		MEMORY_BYTES:     int64(mem),
		CPU_QUOTA:        int64(cpu),
		SECCOMP_PROFILE:  env("SECCOMP_PROFILE"),
		APPARMOR_PROFILE: env("APPARMOR_PROFILE"),
		RUNTIME:          env("SANDBOX_RUNTIME"),
	}, nil
}

func GetWebSandboxConfig() (*WebSandboxConfig, error) {
	pmin, err := intOr("WEB_SANDBOX_PORT_MIN", 3000)
	if err != nil {
		return nil, err
	}
	pmax, err := intOr("WEB_SANDBOX_PORT_MAX", 3999)
	if err != nil {
		return nil, err
	}
	if pmin <= 0 || pmax > 65535 || pmin > pmax {
		return nil, fmt.Errorf("KEY: WEB_SANDBOX_PORT_MIN/WEB_SANDBOX_PORT_MAX is invalid")
	}
	bd, err := intOr("WEB_SANDBOX_BROWSER_DELAY_MS", 2000)
	if err != nil {
		return nil, err
	}
	lw, err := intOr("WEB_SANDBOX_LOG_WAIT_MS", 2000)
	if err != nil {
		return nil, err
	}
	return &WebSandboxConfig{
		IMAGE:            envOr("WEB_SANDBOX_IMAGE", "web-sandbox:latest"),
		WORK_DIR:         envOr("WEB_SANDBOX_WORK_DIR", filepath.Join(os.TempDir(), "synthgen", "web")),
		PORT_MIN:         pmin,
		PORT_MAX:         pmax,
		BROWSER_DELAY_MS: bd,
		LOG_WAIT_MS:      lw,
		CHROME_PATH:      env("CHROME_PATH"),
	}, nil
}

func GetLLMConfig() (*LLMConfig, error) {
	url := env("LLM_BASE_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: LLM_BASE_URL is empty")
	}
	gm := env("LLM_GENERATOR_MODEL")
	if gm == "" {
		return nil, fmt.Errorf("KEY: LLM_GENERATOR_MODEL is empty")
	}
	var models []string
	for _, m := range strings.Split(env("LLM_ANSWER_MODELS"), ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("KEY: LLM_ANSWER_MODELS is empty")
	}
	to, err := positiveIntOr("LLM_TIMEOUT_S", 120)
	if err != nil {
		return nil, err
	}
	mr, err := intOr("LLM_MAX_REPAIRS", 3)
	if err != nil {
		return nil, err
	}
	return &LLMConfig{
		BASE_URL:        url,
		API_KEY:         env("LLM_API_KEY"),
		GENERATOR_MODEL: gm,
		ANSWER_MODELS:   models,
		TIMEOUT:         to,
		MAX_REPAIRS:     mr,
	}, nil
}
