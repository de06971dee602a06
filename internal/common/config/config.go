package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Resubmission policies. There is deliberately no default: a deployment
// must choose one.
const (
	ResubmitReopen      = "reopen"
	ResubmitNewWorkflow = "new_workflow"
)

// Store backends. The memory backend keeps no state across restarts.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config is the service configuration, read from the environment.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Review   ReviewConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// Backend is StoreBackendPostgres or StoreBackendMemory.
	Backend     string
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// NATSConfig holds notification bus settings. An empty URL disables publishing.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// ReviewConfig holds review workflow settings.
type ReviewConfig struct {
	// PolicyFile points at the YAML file holding chain templates and the role directory.
	PolicyFile string
	// ResubmitPolicy is ResubmitReopen or ResubmitNewWorkflow.
	ResubmitPolicy string
	// RejectionsFinal makes a plain reject terminal instead of changes-requested.
	RejectionsFinal bool
	BulkConcurrency int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-report-reviews"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: DatabaseConfig{
			Backend:     getEnv("STORE_BACKEND", StoreBackendPostgres),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "report_reviews"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "notifications.reports"),
		},
		Review: ReviewConfig{
			PolicyFile:      getEnv("REVIEW_POLICY_FILE", "review-policy.yaml"),
			ResubmitPolicy:  getEnv("REVIEW_RESUBMIT_POLICY", ""),
			RejectionsFinal: getEnvBool("REVIEW_REJECTIONS_FINAL", false),
			BulkConcurrency: getEnvInt("REVIEW_BULK_CONCURRENCY", 1),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c *Config) Validate() error {
	switch c.Review.ResubmitPolicy {
	case ResubmitReopen, ResubmitNewWorkflow:
	case "":
		return fmt.Errorf("REVIEW_RESUBMIT_POLICY is required (%s or %s)", ResubmitReopen, ResubmitNewWorkflow)
	default:
		return fmt.Errorf("REVIEW_RESUBMIT_POLICY %q is not one of %s, %s",
			c.Review.ResubmitPolicy, ResubmitReopen, ResubmitNewWorkflow)
	}
	switch c.Database.Backend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of %s, %s",
			c.Database.Backend, StoreBackendPostgres, StoreBackendMemory)
	}
	if c.Review.BulkConcurrency < 1 {
		return fmt.Errorf("REVIEW_BULK_CONCURRENCY must be at least 1")
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("PORT and GRPC_PORT must differ")
	}
	return nil
}

// DSN renders the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
