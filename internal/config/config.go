package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	LedgerTopic  string

	PGDSN string

	// Pricing and fees. Rates are basis points on integer minor units.
	Currency        string
	BasePrice       int64
	PricePerKm      int64
	FeeRateBps      int64
	WithdrawFeeBps  int64
	PlatformOwnerID string

	// Dispatch.
	HeartbeatInterval time.Duration
	StalenessFactor   int
	MatchWindow       time.Duration
	DefaultSpeedMps   float64

	// Invoices.
	InvoiceTTL      time.Duration
	SweepInterval   time.Duration
	PaymentLinkBase string

	// External collaborators. Empty endpoint means the integration is off.
	OSRMEndpoint        string
	GeocodeEndpoint     string
	PushEndpoint        string
	PushKey             string
	MobileMoneyEndpoint string
	MobileMoneyKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "providers_geo",
		KafkaTopic:  "provider-heartbeats",
		LedgerTopic: "ledger-entries",

		Currency:        "GNF",
		BasePrice:       500,
		PricePerKm:      100,
		FeeRateBps:      100, // 1%
		WithdrawFeeBps:  100,
		PlatformOwnerID: "platform",

		HeartbeatInterval: 30 * time.Second,
		StalenessFactor:   3,
		MatchWindow:       2 * time.Minute,
		DefaultSpeedMps:   8,

		InvoiceTTL:      24 * time.Hour,
		SweepInterval:   time.Minute,
		PaymentLinkBase: "https://pay.example.com/pay",

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.LedgerTopic, "KAFKA_LEDGER_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.Currency, "CURRENCY")
	setInt64FromEnv(&cfg.BasePrice, "BASE_PRICE", &errs)
	setInt64FromEnv(&cfg.PricePerKm, "PRICE_PER_KM", &errs)
	setInt64FromEnv(&cfg.FeeRateBps, "FEE_RATE_BPS", &errs)
	setInt64FromEnv(&cfg.WithdrawFeeBps, "WITHDRAW_FEE_RATE_BPS", &errs)
	setStringFromEnv(&cfg.PlatformOwnerID, "PLATFORM_OWNER_ID")

	setDurationFromEnv(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", &errs)
	setIntFromEnv(&cfg.StalenessFactor, "STALENESS_FACTOR", &errs)
	setDurationFromEnv(&cfg.MatchWindow, "MATCH_WINDOW", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.InvoiceTTL, "INVOICE_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setStringFromEnv(&cfg.PaymentLinkBase, "PAYMENT_LINK_BASE")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.GeocodeEndpoint, "GEOCODE_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_API_KEY")
	setStringFromEnv(&cfg.MobileMoneyEndpoint, "MOBILE_MONEY_ENDPOINT")
	cfg.MobileMoneyKey = os.Getenv("MOBILE_MONEY_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.FeeRateBps < 0 || cfg.FeeRateBps > 10000 {
		errs = append(errs, fmt.Errorf("FEE_RATE_BPS must be within [0,10000]"))
	}
	if cfg.WithdrawFeeBps < 0 || cfg.WithdrawFeeBps > 10000 {
		errs = append(errs, fmt.Errorf("WITHDRAW_FEE_RATE_BPS must be within [0,10000]"))
	}
	if cfg.StalenessFactor <= 0 {
		errs = append(errs, fmt.Errorf("STALENESS_FACTOR must be > 0"))
	}
	if cfg.BasePrice < 0 || cfg.PricePerKm < 0 {
		errs = append(errs, fmt.Errorf("BASE_PRICE and PRICE_PER_KM must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// Staleness is the position age past which a provider is excluded from
// dispatch even when it is marked online.
func (c ServerConfig) Staleness() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.StalenessFactor)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
