package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the computation server
type Config struct {
	Host             string
	Port             string // HTTP status / viewer API
	NetworkPort      string // request-reply transport
	ServerID         string
	LogLevel         string
	Model            string
	Simulation       SimulationConfig
	RoundTripTimeout time.Duration
	PinnedSessions   []PinnedSession
	StorageBackend   string
	DirectoryBackend string
	RegisterInterval time.Duration
	Cassandra        CassandraConfig
	Redis            RedisConfig
}

// SimulationConfig controls how sessions step their models.
type SimulationConfig struct {
	Nx              int
	Ny              int
	Steps           int     // integration steps per tick
	FPS             float64 // upper bound on ticks per second
	MaxStepFailures int
}

// PinnedSession is a session created at startup that stays resident
// with no clients attached.
type PinnedSession struct {
	Name  string
	Model string
}

// CassandraConfig holds Cassandra-specific configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	host := getEnv("HOST", "0.0.0.0")
	port := getEnv("PORT", "8080")
	networkPort := getEnv("NETWORK_PORT", "9000")
	model := getEnv("MODEL", "gpe.BEC")

	nx, err := getInt("NX", 64)
	if err != nil {
		return nil, err
	}
	ny, err := getInt("NY", 32)
	if err != nil {
		return nil, err
	}
	steps, err := getInt("STEPS", 20)
	if err != nil {
		return nil, err
	}
	maxFailures, err := getInt("MAX_STEP_FAILURES", 3)
	if err != nil {
		return nil, err
	}
	fps, err := strconv.ParseFloat(getEnv("FPS", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid FPS value: %w", err)
	}
	timeoutMs, err := getInt("ROUND_TRIP_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	registerInterval, err := getInt("REGISTER_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("NX and NY must be positive")
	}
	if steps <= 0 {
		return nil, fmt.Errorf("STEPS must be positive")
	}
	if fps <= 0 {
		return nil, fmt.Errorf("FPS must be positive")
	}
	if maxFailures <= 0 {
		return nil, fmt.Errorf("MAX_STEP_FAILURES must be positive")
	}

	pinned, err := ParsePinned(getEnv("PINNED_SESSIONS", ""), model)
	if err != nil {
		return nil, err
	}

	storageBackend := getEnv("STORAGE_BACKEND", "memory")
	if storageBackend != "memory" && storageBackend != "cassandra" {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND value: %s", storageBackend)
	}
	directoryBackend := getEnv("DIRECTORY_BACKEND", "memory")
	if directoryBackend != "memory" && directoryBackend != "redis" {
		return nil, fmt.Errorf("invalid DIRECTORY_BACKEND value: %s", directoryBackend)
	}

	// Load Cassandra configuration
	cassandraTimeout, err := getInt("CASSANDRA_TIMEOUT_SECONDS", 5)
	if err != nil {
		return nil, err
	}

	// Redis configuration
	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	directoryTTL, err := getInt("DIRECTORY_TTL_SECONDS", 90)
	if err != nil {
		return nil, err
	}

	return &Config{
		Host:             host,
		Port:             port,
		NetworkPort:      networkPort,
		ServerID:         getEnv("SERVER_ID", ""),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		Model:            model,
		RoundTripTimeout: time.Duration(timeoutMs) * time.Millisecond,
		PinnedSessions:   pinned,
		StorageBackend:   storageBackend,
		DirectoryBackend: directoryBackend,
		RegisterInterval: time.Duration(registerInterval) * time.Second,
		Simulation: SimulationConfig{
			Nx:              nx,
			Ny:              ny,
			Steps:           steps,
			FPS:             fps,
			MaxStepFailures: maxFailures,
		},
		Cassandra: CassandraConfig{
			Hosts:       parseHosts(getEnv("CASSANDRA_HOSTS", "localhost:9042")),
			Keyspace:    getEnv("CASSANDRA_KEYSPACE", "super_hydro"),
			Username:    getEnv("CASSANDRA_USERNAME", ""),
			Password:    getEnv("CASSANDRA_PASSWORD", ""),
			Consistency: getEnv("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     time.Duration(cassandraTimeout) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			TTL:      time.Duration(directoryTTL) * time.Second,
		},
	}, nil
}

// Address returns the HTTP listen address (host:port)
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// NetworkAddress returns the request-reply listen address.
func (c *Config) NetworkAddress() string {
	return fmt.Sprintf("%s:%s", c.Host, c.NetworkPort)
}

// ParsePinned parses "name:model,name2" entries. A bare name uses
// defaultModel.
func ParsePinned(s, defaultModel string) ([]PinnedSession, error) {
	var pinned []PinnedSession
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, model, found := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		model = strings.TrimSpace(model)
		if name == "" {
			return nil, fmt.Errorf("invalid PINNED_SESSIONS entry %q", part)
		}
		if !found || model == "" {
			model = defaultModel
		}
		pinned = append(pinned, PinnedSession{Name: name, Model: model})
	}
	return pinned, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, strconv.Itoa(defaultValue))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return v, nil
}

// parseHosts parses a comma-separated list of hosts
func parseHosts(hostsStr string) []string {
	if hostsStr == "" {
		return []string{"localhost:9042"}
	}
	parts := strings.Split(hostsStr, ",")
	hosts := make([]string, 0, len(parts))
	for _, part := range parts {
		host := strings.TrimSpace(part)
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return []string{"localhost:9042"}
	}
	return hosts
}
