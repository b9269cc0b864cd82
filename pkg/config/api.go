package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment          string
	Addr                 string
	DatabaseURL          string
	MigrationsDir        string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	LogChannelPrefix     string
	BuilderAuthToken     string
	SecretEncryptionKey  string
	LauncherMode         string
	BuilderURL           string
	BuilderImage         string
	DockerHost           string
	PreviewScheme        string
	PreviewDomain        string
	SlugRetries          int
	PersistBuildLogs     bool
	BuildInactivityLimit time.Duration
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	loadDotenv()
	return APIConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":9000"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://codebay:codebay@db:5432/codebay?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		RedisAddr:            GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:        GetString("REDIS_PASSWORD", ""),
		RedisDB:              GetInt("REDIS_DB", 0),
		LogChannelPrefix:     GetString("LOG_CHANNEL_PREFIX", "logs:"),
		BuilderAuthToken:     GetString("BUILDER_AUTH_TOKEN", ""),
		SecretEncryptionKey:  GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		LauncherMode:         GetString("LAUNCHER_MODE", "docker"),
		BuilderURL:           GetString("BUILDER_URL", "http://builder:5000"),
		BuilderImage:         GetString("BUILDER_IMAGE", "codebay/builder:latest"),
		DockerHost:           GetString("DOCKER_HOST", ""),
		PreviewScheme:        GetString("PREVIEW_SCHEME", "http"),
		PreviewDomain:        GetString("PREVIEW_DOMAIN", "localhost:8000"),
		SlugRetries:          GetInt("SLUG_GENERATION_RETRIES", 5),
		PersistBuildLogs:     GetBool("PERSIST_BUILD_LOGS", true),
		BuildInactivityLimit: time.Duration(GetInt("BUILD_INACTIVITY_SECONDS", 60)) * time.Second,
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
