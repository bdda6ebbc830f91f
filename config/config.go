package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Environment   string              `yaml:"environment"`
	Server        ServerConfig        `yaml:"server"`
	IdP           IdPConfig           `yaml:"idp"`
	Application   ApplicationConfig   `yaml:"application"`
	Routes        RoutesConfig        `yaml:"routes"`
	Cookies       CookieConfig        `yaml:"cookies"`
	Database      *DatabaseConfig     `yaml:"database"` // Optional group directory. When nil, token groups are used.
	Redis         RedisConfig         `yaml:"redis"`
	CORS          CORSConfig          `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`
}

// IdPConfig holds the hosted identity provider endpoints and client credentials
type IdPConfig struct {
	Issuer           string        `yaml:"issuer" validate:"required,url"`
	Audience         string        `yaml:"audience"`
	JWKSURL          string        `yaml:"jwks_url" validate:"required,url"`
	TokenURL         string        `yaml:"token_url" validate:"required,url"`
	RevokeURL        string        `yaml:"revoke_url" validate:"omitempty,url"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	ClientSecretFile string        `yaml:"client_secret_file"`
	Leeway           time.Duration `yaml:"leeway"`
	JWKSCacheTTL     time.Duration `yaml:"jwks_cache_ttl"`
	JWKSMinRefetch   time.Duration `yaml:"jwks_min_refetch"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

// ApplicationConfig describes the IdP application this gateway fronts
type ApplicationConfig struct {
	Href       string `yaml:"href"`
	TenantHref string `yaml:"tenant_href"`
	Name       string `yaml:"name"`
}

// RoutesConfig holds the route-level authorization settings
type RoutesConfig struct {
	LoginPath         string `yaml:"login_path" validate:"required,startswith=/"`
	RequiredGroup     string `yaml:"required_group" validate:"required"`
	ForbiddenRedirect string `yaml:"forbidden_redirect"`
	LogoutRedirect    string `yaml:"logout_redirect" validate:"required"`
}

// CookieConfig holds token cookie settings
type CookieConfig struct {
	Secure        bool          `yaml:"secure"`
	RefreshMaxAge time.Duration `yaml:"refresh_max_age"`
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string        `yaml:"url"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	Database         string        `yaml:"name"`
	SSLMode          string        `yaml:"sslmode"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	InitSchema       bool          `yaml:"init_schema"`
}

// RedisConfig holds the group cache connection. An empty Addr disables caching.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	GroupCacheTTL time.Duration `yaml:"group_cache_ttl"`
}

// CORSConfig holds cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat      string `yaml:"log_format" validate:"oneof=json text"` // json or text
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	cfg := Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		IdP: IdPConfig{
			Leeway:       30 * time.Second,
			JWKSCacheTTL:   time.Hour,
			JWKSMinRefetch: 30 * time.Second,
			HTTPTimeout:    10 * time.Second,
		},
		Routes: RoutesConfig{
			LoginPath:      "/login",
			RequiredGroup:  "adminIT",
			LogoutRedirect: "/",
		},
		Redis: RedisConfig{
			GroupCacheTTL: 60 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
	cfg.Server.TLS.CertFile = "certs/cert.pem"
	cfg.Server.TLS.KeyFile = "certs/key.pem"
	return cfg
}

// New creates a new Config instance. Sources are applied in order: built-in
// defaults, the YAML file named by AUTHGATE_CONFIG, then environment variables
// (including a .env file when present).
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()

	if path := os.Getenv("AUTHGATE_CONFIG"); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadYAMLFile reads and parses a YAML file into cfg.
// Fields not present in the YAML retain their current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getPort(cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.RequestTimeout = getEnvAsDuration("SERVER_REQUEST_TIMEOUT", cfg.Server.RequestTimeout)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", cfg.Server.TLS.Enabled)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", cfg.Server.TLS.CertFile)
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", cfg.Server.TLS.KeyFile)

	cfg.IdP.Issuer = getEnv("IDP_ISSUER", cfg.IdP.Issuer)
	cfg.IdP.Audience = getEnv("IDP_AUDIENCE", cfg.IdP.Audience)
	cfg.IdP.JWKSURL = getEnv("IDP_JWKS_URL", cfg.IdP.JWKSURL)
	cfg.IdP.TokenURL = getEnv("IDP_TOKEN_URL", cfg.IdP.TokenURL)
	cfg.IdP.RevokeURL = getEnv("IDP_REVOKE_URL", cfg.IdP.RevokeURL)
	cfg.IdP.ClientID = getEnv("IDP_CLIENT_ID", cfg.IdP.ClientID)
	cfg.IdP.ClientSecret = getEnv("IDP_CLIENT_SECRET", cfg.IdP.ClientSecret)
	cfg.IdP.ClientSecretFile = getEnv("IDP_CLIENT_SECRET_FILE", cfg.IdP.ClientSecretFile)
	cfg.IdP.Leeway = getEnvAsDuration("IDP_LEEWAY", cfg.IdP.Leeway)
	cfg.IdP.JWKSCacheTTL = getEnvAsDuration("IDP_JWKS_CACHE_TTL", cfg.IdP.JWKSCacheTTL)
	cfg.IdP.JWKSMinRefetch = getEnvAsDuration("IDP_JWKS_MIN_REFETCH", cfg.IdP.JWKSMinRefetch)
	cfg.IdP.HTTPTimeout = getEnvAsDuration("IDP_HTTP_TIMEOUT", cfg.IdP.HTTPTimeout)

	cfg.Application.Href = getEnv("APPLICATION_HREF", cfg.Application.Href)
	cfg.Application.TenantHref = getEnv("TENANT_HREF", cfg.Application.TenantHref)
	cfg.Application.Name = getEnv("APPLICATION_NAME", cfg.Application.Name)

	cfg.Routes.LoginPath = getEnv("LOGIN_PATH", cfg.Routes.LoginPath)
	cfg.Routes.RequiredGroup = getEnv("REQUIRED_GROUP", cfg.Routes.RequiredGroup)
	cfg.Routes.ForbiddenRedirect = getEnv("FORBIDDEN_REDIRECT", cfg.Routes.ForbiddenRedirect)
	cfg.Routes.LogoutRedirect = getEnv("LOGOUT_REDIRECT", cfg.Routes.LogoutRedirect)

	cfg.Cookies.Secure = getEnvAsBool("COOKIE_SECURE", cfg.Cookies.Secure)
	cfg.Cookies.RefreshMaxAge = getEnvAsDuration("COOKIE_REFRESH_MAX_AGE", cfg.Cookies.RefreshMaxAge)

	cfg.Database = loadDatabaseConfig(cfg.Database)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.GroupCacheTTL = getEnvAsDuration("GROUP_CACHE_TTL", cfg.Redis.GroupCacheTTL)

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}

	cfg.Observability.LogLevel = getEnv("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = getEnv("LOG_FORMAT", cfg.Observability.LogFormat)
	cfg.Observability.MetricsEnabled = getEnvAsBool("METRICS_ENABLED", cfg.Observability.MetricsEnabled)
}

// resolveFileReferences reads secrets referenced by *_file fields
func resolveFileReferences(cfg *Config) error {
	if cfg.IdP.ClientSecretFile != "" && cfg.IdP.ClientSecret == "" {
		data, err := os.ReadFile(cfg.IdP.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("idp.client_secret_file: %w", err)
		}
		cfg.IdP.ClientSecret = strings.TrimSpace(string(data))
	}
	return nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return fmt.Errorf("%s failed on '%s' validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.IsProduction() && !c.Cookies.Secure {
		return fmt.Errorf("secure cookies are required in production")
	}

	if c.Routes.ForbiddenRedirect != "" && !strings.HasPrefix(c.Routes.ForbiddenRedirect, "/") {
		return fmt.Errorf("forbidden redirect must be a local path")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig applies DATABASE_URL or DB_* env vars on top of base.
// The group directory stays disabled unless one of them, or the YAML file, configures it.
func loadDatabaseConfig(base *DatabaseConfig) *DatabaseConfig {
	dbURL := os.Getenv("DATABASE_URL")
	dbHost := os.Getenv("DB_HOST")
	if base == nil && dbURL == "" && dbHost == "" {
		return nil
	}

	var cfg DatabaseConfig
	if base != nil {
		cfg = *base
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	cfg.ConnectionString = getEnv("DATABASE_URL", cfg.ConnectionString)
	cfg.Host = getEnv("DB_HOST", cfg.Host)
	cfg.Port = getEnvAsInt("DB_PORT", cfg.Port)
	cfg.User = getEnv("DB_USER", cfg.User)
	cfg.Password = getEnv("DB_PASSWORD", cfg.Password)
	cfg.Database = getEnv("DB_NAME", cfg.Database)
	cfg.SSLMode = getEnv("DB_SSLMODE", cfg.SSLMode)
	cfg.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.MaxOpenConns)
	cfg.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.MaxIdleConns)
	cfg.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime)
	cfg.InitSchema = getEnvAsBool("DB_INIT_SCHEMA", cfg.InitSchema)
	return &cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars
func getPort(defaultValue int) int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
