// Package config loads and validates the pooler configuration and turns
// it into live cluster topology.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/etolbakov/pgdog/internal/pool"
)

// Config is the top-level configuration for pgDog.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	Admin       AdminConfig       `yaml:"admin"`
	Databases   []DatabaseConfig  `yaml:"databases"`
	Pool        PoolConfig        `yaml:"pool"`
	Plugins     []string          `yaml:"plugins"`
	TLS         TLSConfig         `yaml:"tls"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// GeneralConfig holds cluster-wide policy knobs.
type GeneralConfig struct {
	PoolerMode    string `yaml:"pooler_mode"`
	LoadBalancing string `yaml:"load_balancing"`
}

// AdminConfig defines where the admin API listens.
type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// DatabaseConfig describes one sharded database cluster.
type DatabaseConfig struct {
	Name     string        `yaml:"name"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Shards   []ShardConfig `yaml:"shards"`
}

// ShardConfig describes one shard: an optional primary plus replicas.
type ShardConfig struct {
	Primary  *HostConfig  `yaml:"primary,omitempty"`
	Replicas []HostConfig `yaml:"replicas,omitempty"`
}

// HostConfig is a backend server address.
type HostConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
}

// PoolConfig holds pool sizing and timing defaults.
type PoolConfig struct {
	MaxConnections      int           `yaml:"max_connections"`
	MinConnections      int           `yaml:"min_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	CheckoutTimeout     time.Duration `yaml:"checkout_timeout"`
	HealthcheckInterval time.Duration `yaml:"healthcheck_interval"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
}

// TLSConfig controls the TLS upgrade on backend connections.
type TLSConfig struct {
	Verify bool   `yaml:"verify"`
	CACert string `yaml:"ca_cert"`
}

// HealthCheckConfig controls the periodic backend probes.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Admin.Bind == "" {
		cfg.Admin.Bind = "127.0.0.1"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9876
	}
	defaults := pool.DefaultSettings()
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = defaults.MaxConns
	}
	if cfg.Pool.MinConnections == 0 {
		cfg.Pool.MinConnections = defaults.MinConns
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.Pool.MaxLifetime == 0 {
		cfg.Pool.MaxLifetime = defaults.MaxLifetime
	}
	if cfg.Pool.CheckoutTimeout == 0 {
		cfg.Pool.CheckoutTimeout = defaults.CheckoutTimeout
	}
	if cfg.Pool.HealthcheckInterval == 0 {
		cfg.Pool.HealthcheckInterval = defaults.HealthCheckInterval
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = defaults.DialTimeout
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 30 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	if _, err := pool.ParsePoolerMode(cfg.General.PoolerMode); err != nil {
		return err
	}
	if _, err := pool.ParseLoadBalancingStrategy(cfg.General.LoadBalancing); err != nil {
		return err
	}

	for _, db := range cfg.Databases {
		if db.Name == "" {
			return fmt.Errorf("database without a name")
		}
		if db.User == "" {
			return fmt.Errorf("database %q: user is required", db.Name)
		}
		if len(db.Shards) == 0 {
			return fmt.Errorf("database %q: at least one shard is required", db.Name)
		}
		for i, shard := range db.Shards {
			if shard.Primary == nil && len(shard.Replicas) == 0 {
				return fmt.Errorf("database %q shard %d: needs a primary or at least one replica", db.Name, i)
			}
			hosts := shard.Replicas
			if shard.Primary != nil {
				hosts = append([]HostConfig{*shard.Primary}, hosts...)
			}
			for _, h := range hosts {
				if h.Host == "" {
					return fmt.Errorf("database %q shard %d: host is required", db.Name, i)
				}
				if h.Port == 0 {
					return fmt.Errorf("database %q shard %d: port is required", db.Name, i)
				}
			}
		}
	}
	return nil
}

// Settings materializes the pool settings shared by every pool.
func (c *Config) Settings() (pool.Settings, error) {
	mode, err := pool.ParsePoolerMode(c.General.PoolerMode)
	if err != nil {
		return pool.Settings{}, err
	}

	tlsCfg, err := c.TLS.ClientConfig()
	if err != nil {
		return pool.Settings{}, err
	}

	return pool.Settings{
		MaxConns:            c.Pool.MaxConnections,
		MinConns:            c.Pool.MinConnections,
		IdleTimeout:         c.Pool.IdleTimeout,
		MaxLifetime:         c.Pool.MaxLifetime,
		CheckoutTimeout:     c.Pool.CheckoutTimeout,
		HealthCheckInterval: c.Pool.HealthcheckInterval,
		DialTimeout:         c.Pool.DialTimeout,
		TLS:                 tlsCfg,
		PoolerMode:          mode,
	}, nil
}

// Clusters materializes the configured databases into live clusters.
// Pools are created cold; call Launch on each cluster to bring them up.
func (c *Config) Clusters() ([]*pool.Cluster, error) {
	settings, err := c.Settings()
	if err != nil {
		return nil, err
	}
	strategy, err := pool.ParseLoadBalancingStrategy(c.General.LoadBalancing)
	if err != nil {
		return nil, err
	}

	var clusters []*pool.Cluster
	for _, db := range c.Databases {
		dbSettings := settings
		dbSettings.User = db.User

		var shards []pool.ShardConfig
		for _, shard := range db.Shards {
			sc := pool.ShardConfig{}
			if shard.Primary != nil {
				sc.Primary = &pool.Config{
					Address:  pool.Address{Host: shard.Primary.Host, Port: shard.Primary.Port},
					Settings: dbSettings,
				}
			}
			for _, replica := range shard.Replicas {
				sc.Replicas = append(sc.Replicas, pool.Config{
					Address:  pool.Address{Host: replica.Host, Port: replica.Port},
					Settings: dbSettings,
				})
			}
			shards = append(shards, sc)
		}

		clusters = append(clusters, pool.NewCluster(db.Name, shards, strategy, db.Password, settings.PoolerMode))
	}

	return clusters, nil
}

// ClientConfig builds the TLS config used for backend connections.
// Returns nil when verification is off and no CA is given, which keeps
// connections plaintext-only.
func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	if !t.Verify && t.CACert == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !t.Verify,
	}

	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading ca cert: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CACert)
		}
		cfg.RootCAs = roots
	}

	return cfg, nil
}
