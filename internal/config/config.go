// Package config loads orchestrator configuration from the environment.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime knob for the orchestrator. All values come
// from BURROW_* environment variables with documented defaults; the
// database settings fall back to the conventional POSTGRES_* variables.
type Config struct {
	// Service identity.
	ServiceName string
	Build       string

	// Database.
	DatabaseURL   string
	MigrationsDir string

	// HTTP.
	HTTPAddr  string
	DebugAddr string

	// Telemetry.
	OTLPEndpoint     string
	TraceProbability float64

	// Worker pool.
	WorkerCount    int
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	JobTimeout     time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// IPAM.
	IPRangeStart   netip.Addr
	IPRangeEnd     netip.Addr
	ProbeTimeout   time.Duration
	ReservationTTL time.Duration

	// Hypervisor fleet.
	Nodes   []string
	SSHUser string
	SSHKey  string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:   getEnvOrDefault("BURROW_SERVICE_NAME", "burrow-orchestrator"),
		Build:         getEnvOrDefault("BURROW_BUILD", "develop"),
		HTTPAddr:      getEnvOrDefault("BURROW_HTTP_ADDR", ":8080"),
		DebugAddr:     getEnvOrDefault("BURROW_DEBUG_ADDR", ":4000"),
		OTLPEndpoint:  getEnvOrDefault("BURROW_OTLP_ENDPOINT", "localhost:4317"),
		MigrationsDir: getEnvOrDefault("BURROW_MIGRATIONS_DIR", "db/migrations"),
		SSHUser:       getEnvOrDefault("BURROW_SSH_USER", "burrow"),
		SSHKey:        os.Getenv("BURROW_SSH_KEY"),
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		user := getEnvOrDefault("POSTGRES_USER", "postgres")
		password := getEnvOrDefault("POSTGRES_PASSWORD", "postgres")
		host := getEnvOrDefault("POSTGRES_HOST", "postgres")
		dbname := getEnvOrDefault("POSTGRES_DB", "burrow")
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	var err error
	if cfg.TraceProbability, err = getFloat("BURROW_TRACE_PROBABILITY", 0.05); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getInt("BURROW_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("BURROW_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaseDuration, err = getDuration("BURROW_LEASE_DURATION", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = getDuration("BURROW_JOB_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getInt("BURROW_JOB_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getDuration("BURROW_RETRY_BASE_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = getDuration("BURROW_RETRY_MAX_DELAY", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = getDuration("BURROW_PROBE_TIMEOUT", time.Second); err != nil {
		return nil, err
	}
	if cfg.ReservationTTL, err = getDuration("BURROW_IPAM_RESERVATION_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	if start := os.Getenv("BURROW_IP_RANGE_START"); start != "" {
		if cfg.IPRangeStart, err = netip.ParseAddr(start); err != nil {
			return nil, fmt.Errorf("parse BURROW_IP_RANGE_START: %w", err)
		}
	}
	if end := os.Getenv("BURROW_IP_RANGE_END"); end != "" {
		if cfg.IPRangeEnd, err = netip.ParseAddr(end); err != nil {
			return nil, fmt.Errorf("parse BURROW_IP_RANGE_END: %w", err)
		}
	}

	if nodes := os.Getenv("BURROW_NODES"); nodes != "" {
		for _, n := range strings.Split(nodes, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.Nodes = append(cfg.Nodes, n)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints the typed getters cannot.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("job max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.LeaseDuration < time.Second {
		return fmt.Errorf("lease duration must be at least 1s, got %s", c.LeaseDuration)
	}
	// A lease that lapses while its job can still legitimately run lets
	// another worker reclaim work that is not actually dead.
	if c.LeaseDuration <= c.JobTimeout {
		return fmt.Errorf("lease duration %s must exceed job timeout %s",
			c.LeaseDuration, c.JobTimeout)
	}
	if !c.IPRangeStart.IsValid() || !c.IPRangeEnd.IsValid() {
		return fmt.Errorf("BURROW_IP_RANGE_START and BURROW_IP_RANGE_END must both be set")
	}
	if c.IPRangeEnd.Less(c.IPRangeStart) {
		return fmt.Errorf("IP range end %s precedes start %s", c.IPRangeEnd, c.IPRangeStart)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one hypervisor node must be configured via BURROW_NODES")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
