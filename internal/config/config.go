package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	NatsURL        string
	JaegerEndpoint string

	// Daraja credentials and endpoints.
	MpesaBaseURL       string
	ConsumerKey        string
	ConsumerSecret     string
	Passkey            string
	Shortcode          string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string

	RequestTimeout    time.Duration
	SweepInterval     time.Duration
	PendingTimeout    time.Duration
	SweepMaxAttempts  int
	NotifyMaxAttempts int
	NotifyBaseDelay   time.Duration
}

func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8084"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       getEnv("REDIS_URL", "localhost:6379"),
		KafkaBrokers:   getEnv("KAFKA_BROKERS", "localhost:9092"),
		NatsURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),

		// Sandbox by default; production sets MPESA_BASE_URL to
		// https://api.safaricom.co.ke.
		MpesaBaseURL:       getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		ConsumerKey:        os.Getenv("MPESA_CONSUMER_KEY"),
		ConsumerSecret:     os.Getenv("MPESA_CONSUMER_SECRET"),
		Passkey:            os.Getenv("MPESA_PASSKEY"),
		Shortcode:          os.Getenv("MPESA_SHORTCODE"),
		InitiatorName:      os.Getenv("MPESA_INITIATOR_NAME"),
		SecurityCredential: os.Getenv("MPESA_SECURITY_CREDENTIAL"),
		CallbackBaseURL:    os.Getenv("CALLBACK_BASE_URL"),

		RequestTimeout:    getDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 60*time.Second),
		PendingTimeout:    getDuration("PENDING_TIMEOUT", 120*time.Second),
		SweepMaxAttempts:  getInt("SWEEP_MAX_ATTEMPTS", 10),
		NotifyMaxAttempts: getInt("NOTIFY_MAX_ATTEMPTS", 5),
		NotifyBaseDelay:   getDuration("NOTIFY_BASE_DELAY", 500*time.Millisecond),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
