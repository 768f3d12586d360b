package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var (
	configName = "config"
	configType = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		Metrics        bool   `mapstructure:"METRICS"`
		Tracing        bool   `mapstructure:"TRACING"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Settlement      Settlement `mapstructure:"SETTLEMENT"`
	Retry           Retry      `mapstructure:"RETRY"`
	Intake          Intake     `mapstructure:"INTAKE"`
	Fraud           Fraud      `mapstructure:"FRAUD"`
	Reconcile       Reconcile  `mapstructure:"RECONCILE"`
	ProtocolAddress string     `mapstructure:"PROTOCOL_ADDRESS"`
}

// Settlement configures the gateway in front of the settlement network.
type Settlement struct {
	Endpoint            string        `mapstructure:"ENDPOINT"`
	ApiKey              string        `mapstructure:"API_KEY"`
	SubmitTimeout       time.Duration `mapstructure:"SUBMIT_TIMEOUT"`
	QueryTimeout        time.Duration `mapstructure:"QUERY_TIMEOUT"`
	ConfirmationTimeout time.Duration `mapstructure:"CONFIRMATION_TIMEOUT"`
	Confirmations       int           `mapstructure:"CONFIRMATIONS"`
	MaxConcurrent       int64         `mapstructure:"MAX_CONCURRENT"`
	RatePerSecond       float64       `mapstructure:"RATE_PER_SECOND"`
	Burst               int           `mapstructure:"BURST"`
}

type Retry struct {
	BaseDelay     time.Duration `mapstructure:"BASE_DELAY"`
	MaxRetries    int           `mapstructure:"MAX_RETRIES"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatch    int           `mapstructure:"SWEEP_BATCH"`
}

// Intake holds reward defaults and abuse limits for the event gate.
// Reward amounts are decimal strings ("0.05").
type Intake struct {
	ImpressionReward string        `mapstructure:"IMPRESSION_REWARD"`
	ClickReward      string        `mapstructure:"CLICK_REWARD"`
	ConversionReward string        `mapstructure:"CONVERSION_REWARD"`
	ClickLimit       int           `mapstructure:"CLICK_LIMIT"`
	ClickWindow      time.Duration `mapstructure:"CLICK_WINDOW"`
	ImpressionLimit  int           `mapstructure:"IMPRESSION_LIMIT"`
	ImpressionWindow time.Duration `mapstructure:"IMPRESSION_WINDOW"`
	BotTokens        []string      `mapstructure:"BOT_TOKENS"`
	BlockRules       []string      `mapstructure:"BLOCK_RULES"`
	UserShare        string        `mapstructure:"USER_SHARE"`
	PublisherShare   string        `mapstructure:"PUBLISHER_SHARE"`
}

type Fraud struct {
	IdleTTL       time.Duration `mapstructure:"IDLE_TTL"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
}

type Reconcile struct {
	Epsilon  string        `mapstructure:"EPSILON"`
	Interval time.Duration `mapstructure:"INTERVAL"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "adpayout-engine")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "127.0.0.1")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.DBNAME", "adpayout")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("SETTLEMENT.SUBMIT_TIMEOUT", 15*time.Second)
	v.SetDefault("SETTLEMENT.QUERY_TIMEOUT", 10*time.Second)
	v.SetDefault("SETTLEMENT.CONFIRMATION_TIMEOUT", 10*time.Minute)
	v.SetDefault("SETTLEMENT.CONFIRMATIONS", 1)
	v.SetDefault("SETTLEMENT.MAX_CONCURRENT", 8)
	v.SetDefault("SETTLEMENT.RATE_PER_SECOND", 20)
	v.SetDefault("SETTLEMENT.BURST", 5)
	v.SetDefault("RETRY.BASE_DELAY", 30*time.Second)
	v.SetDefault("RETRY.MAX_RETRIES", 3)
	v.SetDefault("RETRY.SWEEP_INTERVAL", 5*time.Minute)
	v.SetDefault("RETRY.SWEEP_BATCH", 100)
	v.SetDefault("INTAKE.IMPRESSION_REWARD", "0.001")
	v.SetDefault("INTAKE.CLICK_REWARD", "0.05")
	v.SetDefault("INTAKE.CONVERSION_REWARD", "2.00")
	v.SetDefault("INTAKE.CLICK_LIMIT", 10)
	v.SetDefault("INTAKE.CLICK_WINDOW", 5*time.Minute)
	v.SetDefault("INTAKE.IMPRESSION_LIMIT", 50)
	v.SetDefault("INTAKE.IMPRESSION_WINDOW", time.Minute)
	v.SetDefault("INTAKE.BOT_TOKENS", []string{"bot", "crawler", "spider", "slurp", "headless", "phantomjs", "curl/", "wget/", "python-requests", "scrapy"})
	v.SetDefault("INTAKE.USER_SHARE", "0.70")
	v.SetDefault("INTAKE.PUBLISHER_SHARE", "0.20")
	v.SetDefault("FRAUD.IDLE_TTL", 24*time.Hour)
	v.SetDefault("FRAUD.SWEEP_INTERVAL", time.Hour)
	v.SetDefault("RECONCILE.EPSILON", "0.000001")
	v.SetDefault("RECONCILE.INTERVAL", 15*time.Minute)
	v.SetDefault("PROTOCOL_ADDRESS", "protocol-treasury")
}

// LoadConfig reads config.yaml from the working directory when present and
// lets environment variables override any key (DATABASE.HOST -> DATABASE_HOST).
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with only built-in defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
