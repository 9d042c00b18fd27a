package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func withEnv(t *testing.T, envs map[string]string) {
	t.Helper()

	original := make(map[string]string)
	for k := range envs {
		original[k] = os.Getenv(k)
	}

	for k, v := range envs {
		_ = os.Setenv(k, v)
	}

	t.Cleanup(func() {
		for k, v := range original {
			if v == "" {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, v)
			}
		}
	})
}

func TestGetConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *Config
		shouldErr bool
	}{
		{
			name: "defaults",
			envs: map[string]string{
				"SERVICE_NAME":  "synthgen",
				"TRACE_URL":     "",
				"LOG_LEVEL":     "",
				"HTTP_ADDR":     "",
				"METRICS_ADDR":  "",
				"CACHE_TYPE":    "",
				"STORAGE_TYPE":  "",
				"EVENTS_TYPE":   "",
				"RECORDER_TYPE": "",
			},
			expected: &Config{
				SERVICE_NAME:  "synthgen",
				HTTP_ADDR:     ":8000",
				METRICS_ADDR:  ":9091",
				CACHE_TYPE:    "freecache",
				STORAGE_TYPE:  "none",
				EVENTS_TYPE:   "none",
				RECORDER_TYPE: "none",
			},
		},
		{
			name: "explicit values",
			envs: map[string]string{
				"SERVICE_NAME":  "synthgen",
				"TRACE_URL":     "otel:4318",
				"LOG_LEVEL":     "debug",
				"HTTP_ADDR":     ":9000",
				"METRICS_ADDR":  ":9100",
				"CACHE_TYPE":    "redis",
				"STORAGE_TYPE":  "minio",
				"EVENTS_TYPE":   "jetstream",
				"RECORDER_TYPE": "postgres",
			},
			expected: &Config{
				SERVICE_NAME:  "synthgen",
				TRACE_URL:     "otel:4318",
				LOG_LEVEL:     "debug",
				HTTP_ADDR:     ":9000",
				METRICS_ADDR:  ":9100",
				CACHE_TYPE:    "redis",
				STORAGE_TYPE:  "minio",
				EVENTS_TYPE:   "jetstream",
				RECORDER_TYPE: "postgres",
			},
		},
		{
			name:      "missing service name",
			envs:      map[string]string{"SERVICE_NAME": ""},
			shouldErr: true,
		},
		{
			name: "unknown cache type",
			envs: map[string]string{
				"SERVICE_NAME": "synthgen",
				"CACHE_TYPE":   "memcached",
			},
			shouldErr: true,
		},
		{
			name: "unknown storage type",
			envs: map[string]string{
				"SERVICE_NAME": "synthgen",
				"CACHE_TYPE":   "",
				"STORAGE_TYPE": "s3",
			},
			shouldErr: true,
		},
		{
			name: "unknown recorder type",
			envs: map[string]string{
				"SERVICE_NAME":  "synthgen",
				"CACHE_TYPE":    "",
				"STORAGE_TYPE":  "",
				"EVENTS_TYPE":   "",
				"RECORDER_TYPE": "sqlite",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetRedisConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *RedisConfig
		shouldErr bool
	}{
		{
			name: "valid redis config",
			envs: map[string]string{
				"REDIS_TTL":             "60",
				"REDIS_ENDPOINT":        "localhost:6379",
				"REDIS_CLIENT_PASSWORD": "secret",
			},
			expected: &RedisConfig{
				TTL:            60,
				URL:            "localhost:6379",
				ClientPassword: "secret",
			},
		},
		{
			name: "invalid ttl",
			envs: map[string]string{
				"REDIS_TTL":      "sixty",
				"REDIS_ENDPOINT": "localhost:6379",
			},
			shouldErr: true,
		},
		{
			name: "missing endpoint",
			envs: map[string]string{
				"REDIS_TTL":      "60",
				"REDIS_ENDPOINT": "",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetRedisConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetWorkQueueConfig(t *testing.T) {
	withEnv(t, map[string]string{
		"QUEUE_KEY":      "",
		"HISTORY_PREFIX": "tests:history",
		"WORKERS_KEY":    "",
	})

	got := GetWorkQueueConfig()
	want := &WorkQueueConfig{
		QUEUE_KEY:      "synthetic:queue",
		HISTORY_PREFIX: "tests:history",
		WORKERS_KEY:    "synthetic:workers:active",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetPoolConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *PoolConfig
		shouldErr bool
	}{
		{
			name: "defaults",
			envs: map[string]string{
				"POOL_TARGET_SIZE": "",
				"POOL_NUM_WORKERS": "",
				"POOL_BACKOFF_MS":  "",
			},
			expected: &PoolConfig{TARGET_SIZE: 5, NUM_WORKERS: 1, BACKOFF_MS: 3000},
		},
		{
			name: "explicit values",
			envs: map[string]string{
				"POOL_TARGET_SIZE": "10",
				"POOL_NUM_WORKERS": "4",
				"POOL_BACKOFF_MS":  "250",
			},
			expected: &PoolConfig{TARGET_SIZE: 10, NUM_WORKERS: 4, BACKOFF_MS: 250},
		},
		{
			name: "zero workers",
			envs: map[string]string{
				"POOL_TARGET_SIZE": "10",
				"POOL_NUM_WORKERS": "0",
				"POOL_BACKOFF_MS":  "",
			},
			shouldErr: true,
		},
		{
			name: "negative target",
			envs: map[string]string{
				"POOL_TARGET_SIZE": "-1",
				"POOL_NUM_WORKERS": "",
				"POOL_BACKOFF_MS":  "",
			},
			shouldErr: true,
		},
		{
			name: "invalid backoff",
			envs: map[string]string{
				"POOL_TARGET_SIZE": "",
				"POOL_NUM_WORKERS": "",
				"POOL_BACKOFF_MS":  "soon",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetPoolConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetSandboxConfig(t *testing.T) {
	clear := map[string]string{
		"SANDBOX_IMAGE":             "",
		"SANDBOX_WORK_DIR":          "",
		"SANDBOX_MAX_ATTEMPTS":      "",
		"SANDBOX_RETRY_DELAY_MS":    "",
		"SANDBOX_INSTALL_TIMEOUT_S": "",
		"SANDBOX_RUN_TIMEOUT_S":     "",
		"SANDBOX_MEMORY_BYTES":      "",
		"SANDBOX_CPU_QUOTA":         "",
		"SECCOMP_PROFILE":           "",
		"APPARMOR_PROFILE":          "",
		"SANDBOX_RUNTIME":           "",
	}

	t.Run("defaults", func(t *testing.T) {
		withEnv(t, clear)

		cfg, err := GetSandboxConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := &SandboxConfig{
			IMAGE:           "python:3.12-slim",
			WORK_DIR:        filepath.Join(os.TempDir(), "synthgen", "sandbox"),
			MAX_ATTEMPTS:    3,
			RETRY_DELAY_MS:  3000,
			INSTALL_TIMEOUT: 300,
			RUN_TIMEOUT:     120,
			MEMORY_BYTES:    512 << 20,
			CPU_QUOTA:       100000,
		}
		if !reflect.DeepEqual(cfg, want) {
			t.Fatalf("got %+v, want %+v", cfg, want)
		}
	})

	t.Run("zero attempts rejected", func(t *testing.T) {
		withEnv(t, clear)
		withEnv(t, map[string]string{"SANDBOX_MAX_ATTEMPTS": "0"})

		if _, err := GetSandboxConfig(); err == nil {
			t.Fatalf("expected error, got nil")
		}
	})
}

func TestGetWebSandboxConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		shouldErr bool
		min, max  int
	}{
		{
			name: "default port range",
			envs: map[string]string{
				"WEB_SANDBOX_PORT_MIN": "",
				"WEB_SANDBOX_PORT_MAX": "",
			},
			min: 3000,
			max: 3999,
		},
		{
			name: "custom port range",
			envs: map[string]string{
				"WEB_SANDBOX_PORT_MIN": "4000",
				"WEB_SANDBOX_PORT_MAX": "4010",
			},
			min: 4000,
			max: 4010,
		},
		{
			name: "inverted port range",
			envs: map[string]string{
				"WEB_SANDBOX_PORT_MIN": "4010",
				"WEB_SANDBOX_PORT_MAX": "4000",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetWebSandboxConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.PORT_MIN != tt.min || cfg.PORT_MAX != tt.max {
				t.Fatalf("got range %d-%d, want %d-%d", cfg.PORT_MIN, cfg.PORT_MAX, tt.min, tt.max)
			}
		})
	}
}

func TestGetLLMConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *LLMConfig
		shouldErr bool
	}{
		{
			name: "valid llm config",
			envs: map[string]string{
				"LLM_BASE_URL":        "http://localhost:8080",
				"LLM_API_KEY":         "key",
				"LLM_GENERATOR_MODEL": "gen",
				"LLM_ANSWER_MODELS":   "a, b,,c",
				"LLM_TIMEOUT_S":       "",
				"LLM_MAX_REPAIRS":     "",
			},
			expected: &LLMConfig{
				BASE_URL:        "http://localhost:8080",
				API_KEY:         "key",
				GENERATOR_MODEL: "gen",
				ANSWER_MODELS:   []string{"a", "b", "c"},
				TIMEOUT:         120,
				MAX_REPAIRS:     3,
			},
		},
		{
			name: "missing answer models",
			envs: map[string]string{
				"LLM_BASE_URL":        "http://localhost:8080",
				"LLM_GENERATOR_MODEL": "gen",
				"LLM_ANSWER_MODELS":   " , ",
			},
			shouldErr: true,
		},
		{
			name: "missing base url",
			envs: map[string]string{
				"LLM_BASE_URL": "",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetLLMConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetMinioConfig(t *testing.T) {
	valid := map[string]string{
		"MINIO_ENDPOINT":         "localhost:9000",
		"MINIO_ARTIFACTS_BUCKET": "artifacts",
		"MINIO_USE_SSL":          "false",
		"MINIO_ACCESS_KEY":       "ak",
		"MINIO_SECRET_KEY":       "sk",
	}

	tests := []struct {
		name      string
		override  map[string]string
		shouldErr bool
	}{
		{name: "valid minio config"},
		{name: "invalid ssl flag", override: map[string]string{"MINIO_USE_SSL": "yes"}, shouldErr: true},
		{name: "missing bucket", override: map[string]string{"MINIO_ARTIFACTS_BUCKET": ""}, shouldErr: true},
		{name: "missing secret", override: map[string]string{"MINIO_SECRET_KEY": ""}, shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, valid)
			withEnv(t, tt.override)

			cfg, err := GetMinioConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := &MinioConfig{
				URL:              "localhost:9000",
				ARTIFACTS_BUCKET: "artifacts",
				ACCESS_KEY:       "ak",
				SECRET_KEY:       "sk",
			}
			if !reflect.DeepEqual(cfg, want) {
				t.Fatalf("got %+v, want %+v", cfg, want)
			}
		})
	}
}
