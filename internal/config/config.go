package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	VenueName  string

	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	QRTokenTTLSec    int
	SecretEncryptKey string
	SingleUseScans   bool
	RedisURL         string

	AuthMode        string
	OperatorKeyHash string
	IDPJWTSecret    string
	IDPIssuer       string

	TrustProxy         bool
	CORSAllowedOrigins []string

	RosterDBDriver     string
	RosterDBDSN        string
	RosterTable        string
	RosterPerformerCol string
	RosterVenueCol     string
	RosterActiveCol    string

	StageNotifySender string
	StageNotifyFrom   string
	SMTPHost          string
	SMTPPort          int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		VenueName:                env("VENUE_NAME", "Main Stage"),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		QRTokenTTLSec:            envInt("QR_TOKEN_TTL_SEC", 45),
		SecretEncryptKey:         env("SECRET_ENCRYPT_KEY", "CHANGE_ME_PRODUCTION_SECRET_KEY"),
		SingleUseScans:           envBool("SINGLE_USE_SCAN_TOKENS", false),
		RedisURL:                 env("REDIS_URL", ""),
		AuthMode:                 strings.ToLower(env("AUTH_MODE", "key")),
		OperatorKeyHash:          env("OPERATOR_KEY_HASH", ""),
		IDPJWTSecret:             env("IDP_JWT_SECRET", ""),
		IDPIssuer:                env("IDP_ISSUER", ""),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		RosterDBDriver:           env("ROSTER_DB_DRIVER", ""),
		RosterDBDSN:              env("ROSTER_DB_DSN", ""),
		RosterTable:              env("ROSTER_TABLE", "performers"),
		RosterPerformerCol:       env("ROSTER_PERFORMER_COL", "performer_id"),
		RosterVenueCol:           env("ROSTER_VENUE_COL", "venue"),
		RosterActiveCol:          env("ROSTER_ACTIVE_COL", "active"),
		StageNotifySender:        strings.ToLower(env("STAGE_NOTIFY_SENDER", "log")),
		StageNotifyFrom:          env("STAGE_NOTIFY_FROM", "stage@example.com"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
	}

	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.QRTokenTTLSec <= 0 {
		return Config{}, fmt.Errorf("QR_TOKEN_TTL_SEC must be positive")
	}
	if strings.TrimSpace(cfg.SecretEncryptKey) == "" ||
		cfg.SecretEncryptKey == "CHANGE_ME_PRODUCTION_SECRET_KEY" ||
		len(cfg.SecretEncryptKey) < 24 {
		return Config{}, fmt.Errorf("SECRET_ENCRYPT_KEY must be set to a strong non-default value (>=24 chars)")
	}
	switch cfg.AuthMode {
	case "key":
		if strings.TrimSpace(cfg.OperatorKeyHash) == "" {
			return Config{}, fmt.Errorf("OPERATOR_KEY_HASH is required when AUTH_MODE=key")
		}
	case "jwt":
		if strings.TrimSpace(cfg.IDPJWTSecret) == "" {
			return Config{}, fmt.Errorf("IDP_JWT_SECRET is required when AUTH_MODE=jwt")
		}
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be one of: key, jwt")
	}
	if cfg.SingleUseScans && strings.TrimSpace(cfg.RedisURL) == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required when SINGLE_USE_SCAN_TOKENS=true")
	}
	if cfg.RosterDBDriver != "" {
		switch cfg.RosterDBDriver {
		case "pgx", "mysql":
		default:
			return Config{}, fmt.Errorf("unsupported ROSTER_DB_DRIVER: %s", cfg.RosterDBDriver)
		}
		if strings.TrimSpace(cfg.RosterDBDSN) == "" {
			return Config{}, fmt.Errorf("ROSTER_DB_DSN is required when ROSTER_DB_DRIVER is set")
		}
	}
	switch cfg.StageNotifySender {
	case "log", "smtp":
	default:
		return Config{}, fmt.Errorf("STAGE_NOTIFY_SENDER must be one of: log, smtp")
	}
	if cfg.SMTPPort <= 0 {
		return Config{}, fmt.Errorf("invalid SMTP port")
	}
	return cfg, nil
}

func (c Config) QRTokenTTL() time.Duration {
	return time.Duration(c.QRTokenTTLSec) * time.Second
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
