package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	PushTopic      string // NSQ topic for committed pushes
	DLQTopic       string // Dead letter queue topic
	WorkerChannel  string // NSQ channel name for push workers
}

type Buffer struct {
	Buckets      int           // Number of shard workers
	Wait         time.Duration // Drain interval per shard
	DefaultDelay time.Duration // Delay window for non-urgent intents
}

type Push struct {
	Transport       string        // nsq or http
	Secret          string        // HMAC secret for signed pushes
	Path            string        // Client endpoint path
	Timeout         time.Duration // Client request timeout
	SignatureHeader string
	TimestampHeader string
}

type Switch struct {
	Refresh time.Duration // Poll interval for the stored switch state
}

type Worker struct {
	MaxAttempts     int             // Maximum delivery attempts
	BackoffSchedule []time.Duration // Retry backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	PublishDLQ      bool            // Whether to publish failed pushes to DLQ
	HTTPPort        string          // Worker HTTP metrics port
}

type Auth struct {
	JWTPublicKey string // PEM encoded RSA public key; empty disables admin routes
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	Secret               string        // Secret for push signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	LogLevel     string
	OTLPEndpoint string
	DB           DB
	NSQ          NSQ
	Buffer       Buffer
	Push         Push
	Switch       Switch
	Worker       Worker
	Auth         Auth
	FakeReceiver FakeReceiver
}

var defaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}

var defaults = map[string]any{
	"APP_NAME":                    "harbor-push",
	"HTTP_PORT":                   ":8080",
	"GRPC_PORT":                   ":50051",
	"LOG_LEVEL":                   "info",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"DB_USER":                     "postgres",
	"DB_PASS":                     "postgres",
	"DB_HOST":                     "postgres",
	"DB_PORT":                     "5432",
	"DB_NAME":                     "harborpush",
	"DB_MAX_CONNS":                10,
	"NSQD_TCP_ADDR":               "nsqd:4150",
	"NSQ_LOOKUP_HTTP_ADDR":        "http://nsqlookupd:4161",
	"NSQ_PUSH_TOPIC":              "pushes",
	"NSQ_DLQ_TOPIC":               "pushes_dlq",
	"NSQ_WORKER_CHANNEL":          "push-workers",
	"BUFFER_BUCKETS":              8,
	"BUFFER_WAIT":                 "200ms",
	"PUSH_DEFAULT_DELAY":          "500ms",
	"PUSH_TRANSPORT":              "nsq",
	"PUSH_SECRET":                 "",
	"PUSH_PATH":                   "/push",
	"PUSH_TIMEOUT":                "5s",
	"PUSH_SIGNATURE_HEADER":       "X-HarborPush-Signature",
	"PUSH_TIMESTAMP_HEADER":       "X-HarborPush-Timestamp",
	"SWITCH_REFRESH":              "5s",
	"MAX_ATTEMPTS":                6,
	"BACKOFF_SCHEDULE":            "",
	"BACKOFF_JITTER_PCT":          0.25,
	"PUBLISH_DLQ_TOPIC":           false,
	"WORKER_HTTP_PORT":            "8083",
	"JWT_PUBLIC_KEY":              "",
	"JWT_ISSUER":                  "harbor-push",
	"JWT_AUDIENCE":                "harbor-push-admin",
	"FAIL_FIRST_N":                0,
	"SIGNING_LEEWAY_SECONDS":      300,
	"RESPONSE_DELAY_MS":           0,
	"FAKE_RECEIVER_PORT":          ":8081",
	"FAKE_RECEIVER_READ_TIMEOUT":  "10s",
	"FAKE_RECEIVER_WRITE_TIMEOUT": "10s",
	"FAKE_RECEIVER_IDLE_TIMEOUT":  "60s",
}

// NewViper returns a viper instance with every setting bound to its
// environment variable and default. Callers may bind flags on top.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, def := range defaults {
		v.SetDefault(key, def)
		_ = v.BindEnv(key)
	}
	return v
}

func FromEnv() Config {
	return FromViper(NewViper())
}

// FromViper reads a Config from v. Unparseable values fall back to
// their defaults.
func FromViper(v *viper.Viper) Config {
	return Config{
		AppName:      v.GetString("APP_NAME"),
		HTTPPort:     v.GetString("HTTP_PORT"),
		GRPCPort:     v.GetString("GRPC_PORT"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DB: DB{
			User:     v.GetString("DB_USER"),
			Pass:     v.GetString("DB_PASS"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    v.GetString("NSQD_TCP_ADDR"),
			LookupHTTPAddr: v.GetString("NSQ_LOOKUP_HTTP_ADDR"),
			PushTopic:      v.GetString("NSQ_PUSH_TOPIC"),
			DLQTopic:       v.GetString("NSQ_DLQ_TOPIC"),
			WorkerChannel:  v.GetString("NSQ_WORKER_CHANNEL"),
		},
		Buffer: Buffer{
			Buckets:      v.GetInt("BUFFER_BUCKETS"),
			Wait:         duration(v, "BUFFER_WAIT"),
			DefaultDelay: duration(v, "PUSH_DEFAULT_DELAY"),
		},
		Push: Push{
			Transport:       strings.ToLower(v.GetString("PUSH_TRANSPORT")),
			Secret:          v.GetString("PUSH_SECRET"),
			Path:            v.GetString("PUSH_PATH"),
			Timeout:         duration(v, "PUSH_TIMEOUT"),
			SignatureHeader: v.GetString("PUSH_SIGNATURE_HEADER"),
			TimestampHeader: v.GetString("PUSH_TIMESTAMP_HEADER"),
		},
		Switch: Switch{
			Refresh: duration(v, "SWITCH_REFRESH"),
		},
		Worker: Worker{
			MaxAttempts:     v.GetInt("MAX_ATTEMPTS"),
			BackoffSchedule: parseBackoffSchedule(v.GetString("BACKOFF_SCHEDULE")),
			JitterPercent:   v.GetFloat64("BACKOFF_JITTER_PCT"),
			PublishDLQ:      v.GetBool("PUBLISH_DLQ_TOPIC"),
			HTTPPort:        ":" + strings.TrimPrefix(v.GetString("WORKER_HTTP_PORT"), ":"),
		},
		Auth: Auth{
			JWTPublicKey: v.GetString("JWT_PUBLIC_KEY"),
			Issuer:       v.GetString("JWT_ISSUER"),
			Audience:     v.GetString("JWT_AUDIENCE"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           v.GetInt("FAIL_FIRST_N"),
			Secret:               v.GetString("PUSH_SECRET"),
			SigningLeewaySeconds: v.GetInt("SIGNING_LEEWAY_SECONDS"),
			ResponseDelayMS:      v.GetInt("RESPONSE_DELAY_MS"),
			Port:                 v.GetString("FAKE_RECEIVER_PORT"),
			ReadTimeout:          duration(v, "FAKE_RECEIVER_READ_TIMEOUT"),
			WriteTimeout:         duration(v, "FAKE_RECEIVER_WRITE_TIMEOUT"),
			IdleTimeout:          duration(v, "FAKE_RECEIVER_IDLE_TIMEOUT"),
		},
	}
}

// duration parses key as a Go duration, falling back to the registered default
func duration(v *viper.Viper, key string) time.Duration {
	if d, err := time.ParseDuration(v.GetString(key)); err == nil {
		return d
	}
	if s, ok := defaults[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return 0
}

// viper's GetStringSlice splits on whitespace, so the comma list is parsed here
func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return append([]time.Duration(nil), defaultBackoff...)
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return append([]time.Duration(nil), defaultBackoff...)
	}
	return durations
}

// Validate reports settings the push buffer cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Buffer.Buckets <= 0 {
		errs = append(errs, fmt.Errorf("BUFFER_BUCKETS must be positive, got %d", c.Buffer.Buckets))
	}
	if c.Buffer.Wait <= 0 {
		errs = append(errs, fmt.Errorf("BUFFER_WAIT must be positive, got %s", c.Buffer.Wait))
	}
	if c.Buffer.DefaultDelay < 0 {
		errs = append(errs, fmt.Errorf("PUSH_DEFAULT_DELAY must not be negative, got %s", c.Buffer.DefaultDelay))
	}
	switch c.Push.Transport {
	case "nsq", "http":
	default:
		errs = append(errs, fmt.Errorf("PUSH_TRANSPORT must be nsq or http, got %q", c.Push.Transport))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.Worker.MaxAttempts))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
