package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "KAICHAT"

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	TokenTTL       time.Duration
	LogLevel       string
	Dev            bool

	// RingTimeout bounds how long a call may ring before it is missed.
	// Zero disables the timeout.
	RingTimeout time.Duration
	EventRate   float64
	EventBurst  int

	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	Twilio TwilioConfig
}

type TwilioConfig struct {
	AccountSid       string
	AuthToken        string
	VerifyServiceSid string
}

func (t TwilioConfig) Enabled() bool {
	return t.AccountSid != "" && t.AuthToken != "" && t.VerifyServiceSid != ""
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "localhost:8000")
	v.SetDefault("token_ttl", 24*time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("dev", false)
	v.SetDefault("ring_timeout", 45*time.Second)
	v.SetDefault("event_rate", 20.0)
	v.SetDefault("event_burst", 40)
	v.SetDefault("kafka_topic", "kaichat.events")
}

// Load reads configuration from an optional .env file, an optional config
// file and KAICHAT_* environment variables, in increasing precedence.
func Load(configFile string) (*Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"database_dsn", "signing_key", "allowed_origins", "redis_url", "kafka_brokers",
		"twilio_account_sid", "twilio_auth_token", "twilio_verify_service_sid",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	serverAddr := v.GetString("server_addr")
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	databaseDSN := v.GetString("database_dsn")
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	base64Secret := v.GetString("signing_key")
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
		TokenTTL:       v.GetDuration("token_ttl"),
		LogLevel:       v.GetString("log_level"),
		Dev:            v.GetBool("dev"),
		RingTimeout:    v.GetDuration("ring_timeout"),
		EventRate:      v.GetFloat64("event_rate"),
		EventBurst:     v.GetInt("event_burst"),
		RedisURL:       v.GetString("redis_url"),
		KafkaBrokers:   splitList(v.GetString("kafka_brokers")),
		KafkaTopic:     v.GetString("kafka_topic"),
		Twilio: TwilioConfig{
			AccountSid:       v.GetString("twilio_account_sid"),
			AuthToken:        v.GetString("twilio_auth_token"),
			VerifyServiceSid: v.GetString("twilio_verify_service_sid"),
		},
	}

	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}
	if cfg.RingTimeout < 0 {
		return nil, fmt.Errorf("ring timeout cannot be negative")
	}
	if cfg.EventRate <= 0 || cfg.EventBurst <= 0 {
		return nil, fmt.Errorf("event rate and burst must be positive")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
