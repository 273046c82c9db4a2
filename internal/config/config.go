package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Gateways   GatewaysConfig   `mapstructure:"gateways"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	WorkerID  int64  `mapstructure:"worker_id"` // 雪花算法机器ID
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SettlementEvents string `mapstructure:"settlement_events"`
}

type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTPublicKeyFile string `mapstructure:"jwt_public_key_file"`
	Issuer           string `mapstructure:"issuer"`
	SchedulerToken   string `mapstructure:"scheduler_token"`
}

type ZoneConfig struct {
	Name     string   `mapstructure:"name"`
	Fee      int64    `mapstructure:"fee"`
	Keywords []string `mapstructure:"keywords"`
}

type PricingConfig struct {
	DefaultFee int64        `mapstructure:"default_fee"`
	Tolerance  int64        `mapstructure:"tolerance"`
	Zones      []ZoneConfig `mapstructure:"zones"`
}

type FeeBandConfig struct {
	UpTo int64 `mapstructure:"up_to"` // 0 表示不设上限
	Fee  int64 `mapstructure:"fee"`
}

type SettlementConfig struct {
	Currency              string          `mapstructure:"currency"`
	CountryCode           string          `mapstructure:"country_code"`
	CommissionRate        string          `mapstructure:"commission_rate"`
	AutoReleaseAfter      time.Duration   `mapstructure:"auto_release_after"`
	AutoPayoutThreshold   int64           `mapstructure:"auto_payout_threshold"`
	ManualPayoutThreshold int64           `mapstructure:"manual_payout_threshold"`
	AutoFeeBands          []FeeBandConfig `mapstructure:"auto_fee_bands"`
	ManualFeeBands        []FeeBandConfig `mapstructure:"manual_fee_bands"`
	AutoFeeBearer         string          `mapstructure:"auto_fee_bearer"`
	ManualFeeBearer       string          `mapstructure:"manual_fee_bearer"`
	PayoutGateway         string          `mapstructure:"payout_gateway"`
	PromptTTL             time.Duration   `mapstructure:"prompt_ttl"`
}

type GatewaysConfig struct {
	Mode        string            `mapstructure:"mode"` // sandbox | production
	Timeout     time.Duration     `mapstructure:"timeout"`
	RateLimit   float64           `mapstructure:"rate_limit"`
	RateBurst   int               `mapstructure:"rate_burst"`
	TokenMargin time.Duration     `mapstructure:"token_margin"`
	MaxRetries  int               `mapstructure:"max_retries"`
	Mpesa       MpesaConfig       `mapstructure:"mpesa"`
	Airtel      AirtelConfig      `mapstructure:"airtel"`
	Pesapal     PesapalConfig     `mapstructure:"pesapal"`
	Flutterwave FlutterwaveConfig `mapstructure:"flutterwave"`
	Paystack    PaystackConfig    `mapstructure:"paystack"`
}

func (g GatewaysConfig) Production() bool {
	return strings.EqualFold(g.Mode, "production")
}

type MpesaConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	ConsumerKey        string `mapstructure:"consumer_key"`
	ConsumerSecret     string `mapstructure:"consumer_secret"`
	ShortCode          string `mapstructure:"short_code"`
	Passkey            string `mapstructure:"passkey"`
	InitiatorName      string `mapstructure:"initiator_name"`
	SecurityCredential string `mapstructure:"security_credential"`
	B2CShortCode       string `mapstructure:"b2c_short_code"`
	CallbackURL        string `mapstructure:"callback_url"`
	ResultURL          string `mapstructure:"result_url"`
	TimeoutURL         string `mapstructure:"timeout_url"`
	// CallbackToken is appended to the callback URLs; Daraja does not sign
	// its callbacks.
	CallbackToken string `mapstructure:"callback_token"`
}

type AirtelConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	Country       string `mapstructure:"country"`
	Currency      string `mapstructure:"currency"`
	DisbursePIN   string `mapstructure:"disburse_pin"`
	CallbackToken string `mapstructure:"callback_token"`
}

type PesapalConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	IPNURL         string `mapstructure:"ipn_url"`
	CallbackURL    string `mapstructure:"callback_url"`
}

type FlutterwaveConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	SecretKey   string `mapstructure:"secret_key"`
	SecretHash  string `mapstructure:"secret_hash"`
	RedirectURL string `mapstructure:"redirect_url"`
	BankCode    string `mapstructure:"bank_code"`
}

type PaystackConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	SecretKey   string `mapstructure:"secret_key"`
	CallbackURL string `mapstructure:"callback_url"`
	BankCode    string `mapstructure:"bank_code"`
}

type JobsConfig struct {
	PayoutSweepInterval    time.Duration `mapstructure:"payout_sweep_interval"`
	AutoReleaseInterval    time.Duration `mapstructure:"auto_release_interval"`
	PaymentRecheckInterval time.Duration `mapstructure:"payment_recheck_interval"`
	PaymentRecheckAfter    time.Duration `mapstructure:"payment_recheck_after"`
	OutboxInterval         time.Duration `mapstructure:"outbox_interval"`
	BatchSize              int           `mapstructure:"batch_size"`
	SweepConcurrency       int           `mapstructure:"sweep_concurrency"`
	MaxRetryCount          int           `mapstructure:"max_retry_count"`
}

// SetDefaults registers the defaults used when a key is absent from both the
// config file and the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("kafka.topic.settlement_events", "settlement-events")

	v.SetDefault("pricing.default_fee", 400)
	v.SetDefault("pricing.tolerance", 0)
	v.SetDefault("pricing.zones", []map[string]interface{}{
		{"name": "metro", "fee": 200, "keywords": []string{"nairobi", "westlands", "kilimani", "karen", "cbd"}},
	})

	v.SetDefault("settlement.currency", "KES")
	v.SetDefault("settlement.country_code", "254")
	v.SetDefault("settlement.commission_rate", "0.10")
	v.SetDefault("settlement.auto_release_after", "168h")
	v.SetDefault("settlement.auto_payout_threshold", 1500)
	v.SetDefault("settlement.manual_payout_threshold", 500)
	v.SetDefault("settlement.auto_fee_bands", []map[string]interface{}{
		{"up_to": 1000, "fee": 15},
		{"up_to": 5000, "fee": 25},
		{"up_to": 0, "fee": 35},
	})
	v.SetDefault("settlement.manual_fee_bands", []map[string]interface{}{
		{"up_to": 100, "fee": 10},
		{"up_to": 500, "fee": 50},
		{"up_to": 1000, "fee": 100},
		{"up_to": 0, "fee": 150},
	})
	v.SetDefault("settlement.auto_fee_bearer", "platform")
	v.SetDefault("settlement.manual_fee_bearer", "vendor")
	v.SetDefault("settlement.payout_gateway", "mpesa")
	v.SetDefault("settlement.prompt_ttl", "2m")

	v.SetDefault("gateways.mode", "sandbox")
	v.SetDefault("gateways.timeout", "30s")
	v.SetDefault("gateways.rate_limit", 10)
	v.SetDefault("gateways.rate_burst", 5)
	v.SetDefault("gateways.token_margin", "60s")
	v.SetDefault("gateways.max_retries", 2)
	v.SetDefault("gateways.mpesa.callback_token", "")
	v.SetDefault("gateways.airtel.callback_token", "")
	v.SetDefault("gateways.airtel.country", "KE")
	v.SetDefault("gateways.airtel.currency", "KES")
	v.SetDefault("gateways.flutterwave.bank_code", "MPS")
	v.SetDefault("gateways.paystack.bank_code", "MPESA")

	v.SetDefault("jobs.payout_sweep_interval", "1h")
	v.SetDefault("jobs.auto_release_interval", "15m")
	v.SetDefault("jobs.payment_recheck_interval", "1m")
	v.SetDefault("jobs.payment_recheck_after", "3m")
	v.SetDefault("jobs.outbox_interval", "500ms")
	v.SetDefault("jobs.batch_size", 100)
	v.SetDefault("jobs.sweep_concurrency", 4)
	v.SetDefault("jobs.max_retry_count", 5)
}

// LoadConfig 加载配置文件
//
// A .env file in the working directory is loaded first when present. Every
// key can be overridden with a SETTLEMENT_ prefixed variable, e.g.
// SETTLEMENT_GATEWAYS_MPESA_CONSUMER_SECRET.
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would make settlement behave inconsistently.
func (c *Config) Validate() error {
	var errs []error

	rate, err := decimal.NewFromString(c.Settlement.CommissionRate)
	if err != nil {
		errs = append(errs, fmt.Errorf("settlement.commission_rate: %w", err))
	} else if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("settlement.commission_rate must be in [0, 1)"))
	}

	if c.Settlement.ManualPayoutThreshold <= 0 {
		errs = append(errs, errors.New("settlement.manual_payout_threshold must be positive"))
	}
	if c.Settlement.ManualPayoutThreshold > c.Settlement.AutoPayoutThreshold {
		errs = append(errs, errors.New("settlement.manual_payout_threshold must not exceed auto_payout_threshold"))
	}
	if err := validateBands("settlement.auto_fee_bands", c.Settlement.AutoFeeBands); err != nil {
		errs = append(errs, err)
	}
	if err := validateBands("settlement.manual_fee_bands", c.Settlement.ManualFeeBands); err != nil {
		errs = append(errs, err)
	}
	for _, bearer := range []string{c.Settlement.AutoFeeBearer, c.Settlement.ManualFeeBearer} {
		if bearer != "platform" && bearer != "vendor" {
			errs = append(errs, fmt.Errorf("unknown fee bearer %q", bearer))
		}
	}
	if c.Database.Driver != "mysql" && c.Database.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

func validateBands(key string, bands []FeeBandConfig) error {
	if len(bands) == 0 {
		return fmt.Errorf("%s must not be empty", key)
	}
	var prev int64
	for i, b := range bands {
		last := i == len(bands)-1
		if b.UpTo == 0 && !last {
			return fmt.Errorf("%s: only the last band may be unbounded", key)
		}
		if b.UpTo != 0 && b.UpTo <= prev {
			return fmt.Errorf("%s: bands must be sorted by up_to", key)
		}
		if b.Fee < 0 {
			return fmt.Errorf("%s: negative fee", key)
		}
		prev = b.UpTo
	}
	return nil
}
