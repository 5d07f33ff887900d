package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides database and Redis config needed for all tests
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"SKULD_DB_HOST":        "localhost",
		"SKULD_DB_PORT":        "5432",
		"SKULD_DB_NAME":        "skuld_test",
		"SKULD_DB_USER":        "test_user",
		"SKULD_DB_PASSWORD":    "test_pass",
		"SKULD_REDIS_HOST":     "localhost",
		"SKULD_REDIS_PORT":     "6379",
		"SKULD_REDIS_PASSWORD": "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration
// with all required database, Redis, and control plane settings for production tests
func validProductionConfig() map[string]string {
	return map[string]string{
		// App
		"SKULD_APP_ENV": "production",

		// Database
		"SKULD_DB_HOST":     "prod-db.example.com",
		"SKULD_DB_PORT":     "5432",
		"SKULD_DB_NAME":     "skuld_prod",
		"SKULD_DB_USER":     "prod_user",
		"SKULD_DB_PASSWORD": "SuperSecure123!",
		"SKULD_DB_SSL_MODE": "require",

		// Redis
		"SKULD_REDIS_HOST":        "prod-redis.example.com",
		"SKULD_REDIS_PORT":        "6379",
		"SKULD_REDIS_PASSWORD":    "RedisSecure123!",
		"SKULD_REDIS_TLS_ENABLED": "true",

		// Control Plane
		"SKULD_SERVER_CONTROL_API_KEY_HASH":  "5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d",
		"SKULD_SERVER_CONTROL_TLS_ENABLED":   "true",
		"SKULD_SERVER_CONTROL_TLS_CERT_FILE": "/certs/control-cert.pem",
		"SKULD_SERVER_CONTROL_TLS_KEY_FILE":  "/certs/control-key.pem",
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "Should use defaults when no env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "skuld", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "8080", cfg.Server.Control.Port)
				assert.Equal(t, "8081", cfg.Server.Data.Port)
				assert.Equal(t, StoreBackendPostgres, cfg.Store.Backend)
				assert.True(t, cfg.Cache.L2Enabled)
				assert.Equal(t, "skuld:invalidate", cfg.Cache.InvalidationChannel)
				assert.True(t, cfg.Hydrator.Enabled)
				assert.Equal(t, 30*time.Second, cfg.Hydrator.Interval)
			},
			wantErr: false,
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"SKULD_APP_NAME":             "test-app",
				"SKULD_APP_VERSION":          "1.0.0",
				"SKULD_APP_ENV":              "staging",
				"SKULD_APP_LOG_LEVEL":        "debug",
				"SKULD_APP_LOG_FORMAT":       "json",
				"SKULD_APP_SHUTDOWN_TIMEOUT": "60s",
				"SKULD_SERVER_CONTROL_PORT":  "9090",
				"SKULD_SERVER_DATA_PORT":     "9091",
				"SKULD_CACHE_L1_CAPACITY":    "500",
				"SKULD_CACHE_L1_TTL":         "10s",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test-app", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "9090", cfg.Server.Control.Port)
				assert.Equal(t, "9091", cfg.Server.Data.Port)
				assert.Equal(t, 500, cfg.Cache.L1Capacity)
				assert.Equal(t, 10*time.Second, cfg.Cache.L1TTL)
			},
			wantErr: false,
		},
		{
			name: "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{
				"SKULD_APP_ENV": "invalid",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{
				"SKULD_APP_LOG_LEVEL": "trace",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{
				"SKULD_APP_LOG_FORMAT": "xml",
			}),
			wantErr: true,
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"SKULD_APP_ENV":        "development",
				"SKULD_DB_PASSWORD":    "",
				"SKULD_REDIS_PASSWORD": "",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
			wantErr: false,
		},
		{
			name: "Should not require database config for the memory backend",
			envVars: map[string]string{
				"SKULD_STORE_BACKEND":    "memory",
				"SKULD_CACHE_L2_ENABLED": "false",
				"SKULD_HYDRATOR_ENABLED": "false",
			},
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, StoreBackendMemory, cfg.Store.Backend)
				assert.False(t, cfg.Database.IsConfigured())
				assert.False(t, cfg.Redis.IsConfigured())
			},
			wantErr: false,
		},
		{
			name: "Should not require redis config when the L2 cache is disabled",
			envVars: map[string]string{
				"SKULD_STORE_BACKEND":    "file",
				"SKULD_STORE_FILE_PATH":  "/tmp/skuld.json",
				"SKULD_CACHE_L2_ENABLED": "false",
				"SKULD_HYDRATOR_ENABLED": "false",
			},
			wantErr: false,
		},
		{
			name: "Should fail when the hydrator is enabled without the L2 cache",
			envVars: map[string]string{
				"SKULD_STORE_BACKEND":    "memory",
				"SKULD_CACHE_L2_ENABLED": "false",
				"SKULD_HYDRATOR_ENABLED": "true",
			},
			wantErr: true,
		},
		{
			name:    "Should pass full production validation",
			envVars: validProductionConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "production", cfg.App.Environment)
				assert.True(t, cfg.Server.Control.TLSEnabled)
			},
			wantErr: false,
		},
		{
			name: "Should reject the memory backend in production",
			envVars: mergeEnvVars(merge(validProductionConfig(), map[string]string{
				"SKULD_STORE_BACKEND": "memory",
			})),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv prevents parallel execution and cleans up after the test
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}

func merge(base, additional map[string]string) map[string]string {
	result := map[string]string{}
	maps.Copy(result, base)
	maps.Copy(result, additional)
	return result
}
