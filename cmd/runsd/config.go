package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/runwait/features/admission"
	"goa.design/runwait/runtime/agent/runtime"
	"goa.design/runwait/runtime/agent/stream"
)

type (
	// config is the runsd configuration. It is read from the YAML file given
	// with -config; environment variables override individual fields.
	config struct {
		HTTP      httpConfig      `yaml:"http"`
		Redis     redisConfig     `yaml:"redis"`
		Mongo     mongoConfig     `yaml:"mongo"`
		Runs      runsConfig      `yaml:"runs"`
		Stream    streamConfig    `yaml:"stream"`
		RateLimit rateLimitConfig `yaml:"ratelimit"`
	}

	httpConfig struct {
		Addr string `yaml:"addr"`
	}

	redisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// mongoConfig selects the durable run store. Runs are kept in memory
	// when URI is empty.
	mongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	runsConfig struct {
		ActionTimeout time.Duration `yaml:"action_timeout"`
		TurnPolicy    string        `yaml:"turn_policy"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		SweepGrace    time.Duration `yaml:"sweep_grace"`
		SweepBatch    int           `yaml:"sweep_batch"`
		// Pool names the Pulse pool whose ticker drives the sweeper. Nodes
		// sharing a pool sweep in turn.
		Pool string `yaml:"pool"`
	}

	streamConfig struct {
		MaxLen           int           `yaml:"max_len"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
	}

	rateLimitConfig struct {
		Enabled    bool          `yaml:"enabled"`
		Max        int           `yaml:"max"`
		Window     time.Duration `yaml:"window"`
		CacheSize  int           `yaml:"cache_size"`
		Namespace  string        `yaml:"namespace"`
		APIKeySalt string        `yaml:"api_key_salt"`
		// Local keeps counters in process instead of Redis.
		Local bool `yaml:"local"`
	}
)

// Environment variables overriding the configuration file.
const (
	envHTTPAddr      = "RUNSD_HTTP_ADDR"
	envRedisAddr     = "RUNSD_REDIS_ADDR"
	envRedisPassword = "RUNSD_REDIS_PASSWORD"
	envMongoURI      = "RUNSD_MONGO_URI"
	envActionTimeout = "RUNSD_ACTION_TIMEOUT"
	envTurnPolicy    = "RUNSD_TURN_POLICY"
	envRateLimitMax  = "RUNSD_RATELIMIT_MAX"
	envAPIKeySalt    = "RUNSD_API_KEY_SALT"
)

func defaultConfig() config {
	return config{
		HTTP:  httpConfig{Addr: ":8080"},
		Redis: redisConfig{Addr: "localhost:6379"},
		Mongo: mongoConfig{Database: "runwait", Collection: "runs", Timeout: 5 * time.Second},
		Runs: runsConfig{
			ActionTimeout: 10 * time.Minute,
			TurnPolicy:    stream.TurnPolicyEndOnAction.String(),
			SweepInterval: 30 * time.Second,
			SweepGrace:    runtime.DefaultSweepGrace,
			SweepBatch:    runtime.DefaultSweepBatch,
			Pool:          "runwait",
		},
		Stream: streamConfig{MaxLen: 1000, OperationTimeout: 5 * time.Second},
		RateLimit: rateLimitConfig{
			Enabled:   true,
			Max:       admission.DefaultMax,
			Window:    admission.DefaultWindow,
			CacheSize: admission.DefaultCacheSize,
			Namespace: admission.DefaultNamespace,
		},
	}
}

// loadConfig reads the file at path on top of the defaults, applies the
// environment overrides and validates the result. An empty path skips the
// file.
func loadConfig(path string, getenv func(string) string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString(envHTTPAddr, &c.HTTP.Addr)
	setString(envRedisAddr, &c.Redis.Addr)
	setString(envRedisPassword, &c.Redis.Password)
	setString(envMongoURI, &c.Mongo.URI)
	setString(envTurnPolicy, &c.Runs.TurnPolicy)
	setString(envAPIKeySalt, &c.RateLimit.APIKeySalt)
	if v := getenv(envActionTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envActionTimeout, err)
		}
		c.Runs.ActionTimeout = d
	}
	if v := getenv(envRateLimitMax); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envRateLimitMax, err)
		}
		c.RateLimit.Max = n
	}
	return nil
}

func (c *config) validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required with mongo.uri"))
	}
	if _, err := stream.ParseTurnPolicy(c.Runs.TurnPolicy); err != nil {
		errs = append(errs, fmt.Errorf("runs.turn_policy: %w", err))
	}
	if c.Runs.ActionTimeout < 0 {
		errs = append(errs, errors.New("runs.action_timeout must not be negative"))
	}
	if c.Runs.SweepInterval <= 0 {
		errs = append(errs, errors.New("runs.sweep_interval must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("ratelimit.max and ratelimit.window must be positive"))
	}
	return errors.Join(errs...)
}

// turnPolicy returns the parsed turn policy; validate guarantees it parses.
func (c *config) turnPolicy() stream.TurnPolicy {
	p, _ := stream.ParseTurnPolicy(c.Runs.TurnPolicy)
	return p
}
