package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration required by the API process and auditctl.
// All values come from env (or an env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Audit    AuditConfig
	Decision DecisionConfig
	Rules    RulesConfig
	Kafka    KafkaConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	// Driver is postgres or sqlite.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	SQLitePath   string
	MaxOpenConns int
}

// RedisConfig is optional. Without a host, velocity counters are disabled.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type AuditConfig struct {
	// SigningSecret keys the chain signer. Empty disables signatures.
	SigningSecret string
	// Signer is hmac or ed25519.
	Signer             string
	ChainRetryAttempts int
	IntegritySchedule  string
	IntegrityLookback  time.Duration
}

type DecisionConfig struct {
	Timeout            time.Duration
	ErrorPolicy        string
	OverrideDefaultTTL time.Duration
	BulkBlockMax       int
}

type RulesConfig struct {
	// Path of a YAML rules file. Empty means rules live in the database.
	Path  string
	Watch bool
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

const minSigningSecret = 32

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	{
		n, err := optionalInt("DB_MAX_OPEN_CONNS", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxOpenConns = n
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = durationOrErr(parseErrs, "JWT_ACCESS_TTL")

	c.Audit.SigningSecret = os.Getenv("AUDIT_SIGNING_SECRET")
	c.Audit.Signer = strings.ToLower(strings.TrimSpace(os.Getenv("AUDIT_SIGNER")))
	{
		n, err := optionalInt("CHAIN_RETRY_ATTEMPTS", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Audit.ChainRetryAttempts = n
	}
	c.Audit.IntegritySchedule = strings.TrimSpace(os.Getenv("INTEGRITY_SCHEDULE"))
	c.Audit.IntegrityLookback, parseErrs = durationOrErr(parseErrs, "INTEGRITY_LOOKBACK")

	c.Decision.Timeout, parseErrs = durationOrErr(parseErrs, "DECISION_TIMEOUT")
	c.Decision.ErrorPolicy = strings.ToLower(strings.TrimSpace(os.Getenv("EVAL_ERROR_POLICY")))
	c.Decision.OverrideDefaultTTL, parseErrs = durationOrErr(parseErrs, "OVERRIDE_DEFAULT_TTL")
	{
		n, err := optionalInt("BULK_BLOCK_MAX", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Decision.BulkBlockMax = n
	}

	c.Rules.Path = strings.TrimSpace(os.Getenv("RULES_PATH"))
	{
		b, err := optionalBool("RULES_WATCH")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Rules.Watch = b
	}

	c.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	c.Kafka.AuditTopic = strings.TrimSpace(os.Getenv("KAFKA_AUDIT_TOPIC"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults.
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

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.validateAudit()...)
	errs = append(errs, c.validateDecision()...)

	if c.Rules.Watch && c.Rules.Path == "" {
		errs = append(errs, errors.New("RULES_WATCH requires RULES_PATH"))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.AuditTopic == "" {
		c.Kafka.AuditTopic = "freight-guard.audit"
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	switch c.DB.Driver {
	case "postgres":
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
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	case "sqlite":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER=sqlite is not allowed in production"))
		}
		if c.DB.SQLitePath == "" {
			c.DB.SQLitePath = "freight-guard.db"
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}
	if c.DB.MaxOpenConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must be >= 0, got %d", c.DB.MaxOpenConns))
	}
	return errs
}

func (c *Config) validateAudit() []error {
	var errs []error
	if c.Audit.SigningSecret == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("AUDIT_SIGNING_SECRET is required in production"))
		}
	} else if len(c.Audit.SigningSecret) < minSigningSecret {
		errs = append(errs, fmt.Errorf("AUDIT_SIGNING_SECRET must be at least %d bytes", minSigningSecret))
	}
	switch c.Audit.Signer {
	case "":
		c.Audit.Signer = "hmac"
	case "hmac", "ed25519":
	default:
		errs = append(errs, fmt.Errorf("AUDIT_SIGNER must be hmac or ed25519, got %q", c.Audit.Signer))
	}
	if c.Audit.ChainRetryAttempts == 0 {
		c.Audit.ChainRetryAttempts = 5
	}
	if c.Audit.ChainRetryAttempts < 1 || c.Audit.ChainRetryAttempts > 20 {
		errs = append(errs, fmt.Errorf("CHAIN_RETRY_ATTEMPTS must be between 1 and 20, got %d", c.Audit.ChainRetryAttempts))
	}
	if c.Audit.IntegritySchedule != "" {
		if _, err := cron.ParseStandard(c.Audit.IntegritySchedule); err != nil {
			errs = append(errs, fmt.Errorf("INTEGRITY_SCHEDULE is not a valid cron expression: %v", err))
		}
	}
	if c.Audit.IntegrityLookback <= 0 {
		c.Audit.IntegrityLookback = 24 * time.Hour
	}
	return errs
}

func (c *Config) validateDecision() []error {
	var errs []error
	if c.Decision.Timeout <= 0 {
		c.Decision.Timeout = 2 * time.Second
	}
	switch c.Decision.ErrorPolicy {
	case "":
		c.Decision.ErrorPolicy = "fail_closed"
	case "fail_closed", "flag_only":
	default:
		errs = append(errs, fmt.Errorf("EVAL_ERROR_POLICY must be fail_closed or flag_only, got %q", c.Decision.ErrorPolicy))
	}
	if c.Decision.OverrideDefaultTTL <= 0 {
		c.Decision.OverrideDefaultTTL = 24 * time.Hour
	}
	if c.Decision.BulkBlockMax == 0 {
		c.Decision.BulkBlockMax = 1000
	}
	if c.Decision.BulkBlockMax < 0 {
		errs = append(errs, fmt.Errorf("BULK_BLOCK_MAX must be > 0, got %d", c.Decision.BulkBlockMax))
	}
	return errs
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

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

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

func optionalInt(key string, def int) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def, nil
	}
	return mustInt(key)
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// durationOrErr reads an optional duration. Defaults are applied in Validate.
func durationOrErr(errs []error, key string) (time.Duration, []error) {
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

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
