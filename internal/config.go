package internal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Mpesa         MpesaConfig         `mapstructure:"mpesa"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Callback      CallbackConfig      `mapstructure:"callback"`
	Disbursement  DisbursementConfig  `mapstructure:"disbursement"`
	Notification  NotificationConfig  `mapstructure:"notification"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LockKey      string        `mapstructure:"lock_key"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// MpesaConfig holds the gateway credentials and endpoints. Every credential
// is mandatory; there are no sandbox fallbacks.
type MpesaConfig struct {
	BaseURL            string        `mapstructure:"base_url" validate:"required,url"`
	ConsumerKey        string        `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret     string        `mapstructure:"consumer_secret" validate:"required"`
	Shortcode          string        `mapstructure:"shortcode" validate:"required,numeric"`
	Passkey            string        `mapstructure:"passkey" validate:"required"`
	InitiatorName      string        `mapstructure:"initiator_name" validate:"required"`
	SecurityCredential string        `mapstructure:"security_credential" validate:"required"`
	CallbackBaseURL    string        `mapstructure:"callback_base_url" validate:"required,url"`
	CommandID          string        `mapstructure:"command_id"`
	CountryCode        string        `mapstructure:"country_code" validate:"omitempty,numeric"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

type PaymentConfig struct {
	Currency         string        `mapstructure:"currency" validate:"omitempty,len=3"`
	InitiationExpiry time.Duration `mapstructure:"initiation_expiry"`
}

type CallbackConfig struct {
	LookupRetries int           `mapstructure:"lookup_retries" validate:"min=0,max=10"`
	LookupDelay   time.Duration `mapstructure:"lookup_delay" validate:"min=0,max=2s"`
}

// maxCallbackLookupWait bounds how long a callback handler may wait for its
// record before acknowledging.
const maxCallbackLookupWait = 5 * time.Second

type DisbursementConfig struct {
	RetrySchedule []time.Duration `mapstructure:"retry_schedule"`
	MaxAttempts   int             `mapstructure:"max_attempts" validate:"min=0"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval"`
	BatchSize     int             `mapstructure:"batch_size" validate:"min=0"`
	MaxWorkers    int             `mapstructure:"max_workers" validate:"min=0"`
	QueueSize     int             `mapstructure:"queue_size" validate:"min=0"`
}

type NotificationConfig struct {
	TokenSecret     string `mapstructure:"token_secret"`
	OperatorChannel string `mapstructure:"operator_channel"`
	// RelayChannel is the redis pub/sub channel workers publish
	// notifications on.
	RelayChannel string `mapstructure:"relay_channel"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ----------------- DEFAULTS -----------------

var DefaultRetrySchedule = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

const (
	DefaultMaxAttempts     = 5
	DefaultOperatorChannel = "operators"
)

// ApplyDefaults fills the optional knobs that were left empty.
func (c *Config) ApplyDefaults() {
	if c.Mpesa.CommandID == "" {
		c.Mpesa.CommandID = "BusinessPayment"
	}
	if c.Mpesa.CountryCode == "" {
		c.Mpesa.CountryCode = "254"
	}
	if c.Mpesa.RequestTimeout <= 0 {
		c.Mpesa.RequestTimeout = 30 * time.Second
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "KES"
	}
	if c.Payment.InitiationExpiry <= 0 {
		c.Payment.InitiationExpiry = 10 * time.Minute
	}
	if c.Callback.LookupDelay <= 0 {
		c.Callback.LookupDelay = 200 * time.Millisecond
	}
	if len(c.Disbursement.RetrySchedule) == 0 {
		c.Disbursement.RetrySchedule = append([]time.Duration(nil), DefaultRetrySchedule...)
	}
	if c.Disbursement.MaxAttempts == 0 {
		c.Disbursement.MaxAttempts = DefaultMaxAttempts
	}
	if c.Disbursement.SweepInterval <= 0 {
		c.Disbursement.SweepInterval = time.Minute
	}
	if c.Disbursement.BatchSize == 0 {
		c.Disbursement.BatchSize = 100
	}
	if c.Disbursement.MaxWorkers == 0 {
		c.Disbursement.MaxWorkers = 10
	}
	if c.Disbursement.QueueSize == 0 {
		c.Disbursement.QueueSize = 100
	}
	if c.Notification.OperatorChannel == "" {
		c.Notification.OperatorChannel = DefaultOperatorChannel
	}
	if c.Notification.RelayChannel == "" {
		c.Notification.RelayChannel = "soko:notifications"
	}
	if c.Redis.LockKey == "" {
		c.Redis.LockKey = "soko:disbursement-sweep"
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 5 * time.Minute
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

// ----------------- VALIDATION -----------------

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	var errs error

	if err := structValidator.Struct(c); err != nil {
		errs = multierr.Append(errs, describeValidation(err))
	}
	if err := c.Server.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server config: %w", err))
	}
	if err := c.Database.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("database config: %w", err))
	}
	if err := c.Mpesa.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("mpesa config: %w", err))
	}
	if err := c.Callback.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("callback config: %w", err))
	}
	if err := c.Disbursement.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("disbursement config: %w", err))
	}

	return errs
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var out error
	for _, fe := range verrs {
		out = multierr.Append(out, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return out
}

func (c *CallbackConfig) Validate() error {
	wait := time.Duration(c.LookupRetries) * c.LookupDelay
	if wait > maxCallbackLookupWait {
		return fmt.Errorf("lookup_retries x lookup_delay is %s, above %s", wait, maxCallbackLookupWait)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *MpesaConfig) Validate() error {
	if strings.HasSuffix(c.CallbackBaseURL, "/") {
		return errors.New("callback_base_url must not end with a slash")
	}
	return nil
}

// CallbackURL joins the public base with a callback path.
func (c *MpesaConfig) CallbackURL(path string) string {
	return c.CallbackBaseURL + path
}

func (c *DisbursementConfig) Validate() error {
	if c.MaxAttempts > 1 && len(c.RetrySchedule) > 0 && len(c.RetrySchedule) < c.MaxAttempts-1 {
		return fmt.Errorf("retry_schedule has %d entries, need at least %d", len(c.RetrySchedule), c.MaxAttempts-1)
	}
	for i, d := range c.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("retry_schedule[%d] must be positive", i)
		}
		if i > 0 && d < c.RetrySchedule[i-1] {
			return fmt.Errorf("retry_schedule must not decrease (index %d)", i)
		}
	}
	return nil
}

// Origins splits the comma-separated allowed_origins list.
func (c *ServerConfig) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	var out []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c *RedisConfig) Enabled() bool {
	return c.URL != "" || c.Address != ""
}
