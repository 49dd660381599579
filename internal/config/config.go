package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the router process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Resources ResourcesConfig
	Routing   RoutingConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Env  string
	Port int
	// NodeID names this router instance in the shared resource store. It must
	// be stable across restarts so a restarted node drops its own leftovers.
	NodeID string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	RoutingSchema   string
	RoutingFunction string
	LookupTimeout   time.Duration
	CDRTable        string

	// MaxOpenConns caps the pool shared by profile lookups and CDR writes.
	MaxOpenConns int
}

type RedisConfig struct {
	WriteHost string
	WritePort int
	// ReadHost is optional; state queries use the write server when empty.
	ReadHost string
	ReadPort int
	Password string
	DB       int
}

type ResourcesConfig struct {
	QueueLimit        int
	OpTimeout         time.Duration
	ReconnectInterval time.Duration
	HealthInterval    time.Duration
	AdmissionTimeout  time.Duration
}

type RoutingConfig struct {
	// CodesFile is an optional YAML codes translation table.
	CodesFile string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.NodeID = strings.TrimSpace(os.Getenv("NODE_ID"))
	if c.App.NodeID == "" {
		if h, err := os.Hostname(); err == nil {
			c.App.NodeID = h
		}
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.RoutingSchema = strings.TrimSpace(os.Getenv("ROUTING_SCHEMA"))
	c.DB.RoutingFunction = strings.TrimSpace(os.Getenv("ROUTING_FUNCTION"))
	c.DB.CDRTable = strings.TrimSpace(os.Getenv("CDR_TABLE"))
	{
		n, err := optInt("DB_MAX_OPEN_CONNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxOpenConns = n
	}

	c.Redis.WriteHost = strings.TrimSpace(os.Getenv("REDIS_WRITE_HOST"))
	{
		n, err := mustInt("REDIS_WRITE_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.WritePort = n
	}
	c.Redis.ReadHost = strings.TrimSpace(os.Getenv("REDIS_READ_HOST"))
	{
		n, err := optInt("REDIS_READ_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.ReadPort = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	// Durations and limits below are optional; defaults applied in Validate().
	{
		n, err := optInt("RESOURCES_QUEUE_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Resources.QueueLimit = n
	}
	c.Resources.OpTimeout, parseErrs = appendDuration(parseErrs, "RESOURCES_OP_TIMEOUT")
	c.Resources.ReconnectInterval, parseErrs = appendDuration(parseErrs, "RESOURCES_RECONNECT_INTERVAL")
	c.Resources.HealthInterval, parseErrs = appendDuration(parseErrs, "RESOURCES_HEALTH_INTERVAL")
	c.Resources.AdmissionTimeout, parseErrs = appendDuration(parseErrs, "ADMISSION_TIMEOUT")
	c.DB.LookupTimeout, parseErrs = appendDuration(parseErrs, "ROUTING_LOOKUP_TIMEOUT")

	c.Routing.CodesFile = strings.TrimSpace(os.Getenv("CODES_FILE"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = appendDuration(parseErrs, "JWT_ACCESS_TTL")

	if v := strings.TrimSpace(os.Getenv("ADMIN_RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("ADMIN_RATE_LIMIT_RPS must be a number, got %q", v))
		}
		c.RateLimit.RPS = f
	}
	{
		n, err := optInt("ADMIN_RATE_LIMIT_BURST")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.RateLimit.Burst = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills in defaults for optional values.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.NodeID == "" {
		errs = append(errs, errors.New("NODE_ID is required"))
	} else if strings.ContainsAny(c.App.NodeID, " :") {
		errs = append(errs, fmt.Errorf("NODE_ID must not contain spaces or ':', got %q", c.App.NodeID))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.MaxOpenConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must not be negative, got %d", c.DB.MaxOpenConns))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.RoutingSchema == "" {
		c.DB.RoutingSchema = "switch"
	}
	if c.DB.RoutingFunction == "" {
		c.DB.RoutingFunction = "route"
	}
	if c.DB.CDRTable == "" {
		c.DB.CDRTable = "cdrs"
	}
	for key, v := range map[string]string{
		"ROUTING_SCHEMA":   c.DB.RoutingSchema,
		"ROUTING_FUNCTION": c.DB.RoutingFunction,
		"CDR_TABLE":        c.DB.CDRTable,
	} {
		if !identRe.MatchString(v) {
			errs = append(errs, fmt.Errorf("%s must be a lower-case SQL identifier, got %q", key, v))
		}
	}
	if c.DB.LookupTimeout <= 0 {
		c.DB.LookupTimeout = 2 * time.Second
	}

	if c.Redis.WriteHost == "" {
		errs = append(errs, errors.New("REDIS_WRITE_HOST is required"))
	}
	if c.Redis.WritePort <= 0 || c.Redis.WritePort > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_WRITE_PORT must be a valid port, got %d", c.Redis.WritePort))
	}
	if c.Redis.ReadHost != "" {
		if c.Redis.ReadPort == 0 {
			c.Redis.ReadPort = c.Redis.WritePort
		}
		if c.Redis.ReadPort < 0 || c.Redis.ReadPort > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_READ_PORT must be a valid port, got %d", c.Redis.ReadPort))
		}
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}

	if c.Resources.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("RESOURCES_QUEUE_LIMIT must not be negative, got %d", c.Resources.QueueLimit))
	} else if c.Resources.QueueLimit == 0 {
		c.Resources.QueueLimit = 1024
	}
	if c.Resources.OpTimeout <= 0 {
		c.Resources.OpTimeout = 2 * time.Second
	}
	if c.Resources.ReconnectInterval <= 0 {
		c.Resources.ReconnectInterval = time.Second
	}
	if c.Resources.HealthInterval <= 0 {
		c.Resources.HealthInterval = 5 * time.Second
	}
	if c.Resources.AdmissionTimeout <= 0 {
		c.Resources.AdmissionTimeout = 3 * time.Second
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("ADMIN_RATE_LIMIT_RPS must not be negative, got %v", c.RateLimit.RPS))
	} else if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisWriteAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.WriteHost, c.Redis.WritePort)
}

// RedisReadAddr returns "" when no separate read server is configured.
func (c Config) RedisReadAddr() string {
	if c.Redis.ReadHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.ReadHost, c.Redis.ReadPort)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func appendDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
