package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HttpServer     HttpServerConfig     `envconfig:"HTTP_SERVER"`
	Database       DatabaseConfig       `envconfig:"DATABASE"`
	Redis          RedisConfig          `envconfig:"REDIS"`
	HttpClient     HttpClientConfig     `envconfig:"HTTP_CLIENT"`
	MessageStream  MessageStreamConfig  `envconfig:"MESSAGE_STREAM"`
	Scheduler      SchedulerConfig      `envconfig:"SCHEDULER"`
	Auth           AuthConfig           `envconfig:"AUTH"`
	Card           CardConfig           `envconfig:"CARD"`
	PayPal         PayPalConfig         `envconfig:"PAYPAL"`
	MercadoPago    MercadoPagoConfig    `envconfig:"MERCADOPAGO"`
	Reconciliation ReconciliationConfig `envconfig:"RECONCILIATION"`
}

type HttpServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

type DatabaseConfig struct {
	Host         string `envconfig:"HOST" default:"localhost"`
	Port         string `envconfig:"PORT" default:"5432"`
	User         string `envconfig:"USER" default:"postgres"`
	Password     string `envconfig:"PASSWORD"`
	DBName       string `envconfig:"NAME" default:"payment"`
	SSLMode      string `envconfig:"SSL_MODE" default:"disable"`
	MaxOpenConns int    `envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int    `envconfig:"MAX_IDLE_CONNS" default:"5"`
}

type RedisConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

type HttpClientConfig struct {
	// Type selects the breaker: threshold, consecutive or rate.
	Type       string        `envconfig:"TYPE" default:"consecutive"`
	Timeout    time.Duration `envconfig:"TIMEOUT" default:"10s"`
	Threshold  int64         `envconfig:"THRESHOLD" default:"5"`
	Rate       float64       `envconfig:"RATE" default:"0.5"`
	MinSamples int64         `envconfig:"MIN_SAMPLES" default:"20"`
	Retries    uint64        `envconfig:"RETRIES" default:"2"`
}

type MessageStreamConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"5672"`
	Username string `envconfig:"USERNAME" default:"guest"`
	Password string `envconfig:"PASSWORD" default:"guest"`
}

type SchedulerConfig struct {
	Concurrency    int    `envconfig:"CONCURRENCY" default:"10"`
	MonitoringPort string `envconfig:"MONITORING_PORT" default:"8090"`
}

type AuthConfig struct {
	InternalToken string `envconfig:"INTERNAL_TOKEN"`
}

type CardConfig struct {
	PublicKey     string   `envconfig:"PUBLIC_KEY"`
	SecretKey     string   `envconfig:"SECRET_KEY"`
	WebhookSecret string   `envconfig:"WEBHOOK_SECRET"`
	ReturnURI     string   `envconfig:"RETURN_URI"`
	Currencies    []string `envconfig:"CURRENCIES" default:"THB,USD,MXN"`
}

type PayPalConfig struct {
	BaseURL        string   `envconfig:"BASE_URL" default:"https://api-m.sandbox.paypal.com"`
	ClientID       string   `envconfig:"CLIENT_ID"`
	ClientSecret   string   `envconfig:"CLIENT_SECRET"`
	WebhookID      string   `envconfig:"WEBHOOK_ID"`
	ReturnURL      string   `envconfig:"RETURN_URL"`
	CancelURL      string   `envconfig:"CANCEL_URL"`
	Currencies     []string `envconfig:"CURRENCIES" default:"MXN,USD"`
	CertHostSuffix string   `envconfig:"CERT_HOST_SUFFIX" default:".paypal.com"`
}

type MercadoPagoConfig struct {
	BaseURL         string   `envconfig:"BASE_URL" default:"https://api.mercadopago.com"`
	AccessToken     string   `envconfig:"ACCESS_TOKEN"`
	WebhookSecret   string   `envconfig:"WEBHOOK_SECRET"`
	NotificationURL string   `envconfig:"NOTIFICATION_URL"`
	SuccessURL      string   `envconfig:"SUCCESS_URL"`
	FailureURL      string   `envconfig:"FAILURE_URL"`
	Currencies      []string `envconfig:"CURRENCIES" default:"MXN"`
}

type ReconciliationConfig struct {
	InvoicePrefix        string        `envconfig:"INVOICE_PREFIX" default:"BK"`
	RefundSyncTransition bool          `envconfig:"REFUND_SYNC_TRANSITION" default:"false"`
	SignatureTolerance   time.Duration `envconfig:"SIGNATURE_TOLERANCE" default:"5m"`
	StaleAfter           time.Duration `envconfig:"STALE_AFTER" default:"2h"`
	SweepInterval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	CertCacheTTL         time.Duration `envconfig:"CERT_CACHE_TTL" default:"24h"`
}

func InitConfig() *Config {
	// .env is optional, real deployments inject the environment directly
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("error load config: %v", err)
	}
	return &cfg
}
