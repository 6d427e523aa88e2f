package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	BackupDir           string        `mapstructure:"BACKUP_DIR"`
	BackupEncryptionKey string        `mapstructure:"BACKUP_ENCRYPTION_KEY"`
	BackupRetentionDays int           `mapstructure:"BACKUP_RETENTION_DAYS"`
	PhaseTimeout        time.Duration `mapstructure:"PHASE_TIMEOUT"`
	EventBufferSize     int           `mapstructure:"EVENT_BUFFER_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8100")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BACKUP_DIR", "backups")
	v.SetDefault("BACKUP_RETENTION_DAYS", 30)
	v.SetDefault("PHASE_TIMEOUT", "30m")
	v.SetDefault("EVENT_BUFFER_SIZE", 64)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BACKUP_DIR")
	v.BindEnv("BACKUP_ENCRYPTION_KEY")
	v.BindEnv("BACKUP_RETENTION_DAYS")
	v.BindEnv("PHASE_TIMEOUT")
	v.BindEnv("EVENT_BUFFER_SIZE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Backup snapshots
// contain patient records, so in production BACKUP_ENCRYPTION_KEY is required
// and must be a valid 64-character hex string (32 bytes when decoded).
func (c *Config) Validate() error {
	if c.IsProduction() && c.BackupEncryptionKey == "" {
		return fmt.Errorf("BACKUP_ENCRYPTION_KEY is required in production")
	}
	if c.BackupEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.BackupEncryptionKey)
		if err != nil {
			return fmt.Errorf("BACKUP_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("BACKUP_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.PhaseTimeout <= 0 {
		return fmt.Errorf("PHASE_TIMEOUT must be positive, got %s", c.PhaseTimeout)
	}
	if c.BackupRetentionDays < 1 {
		return fmt.Errorf("BACKUP_RETENTION_DAYS must be at least 1, got %d", c.BackupRetentionDays)
	}

	return nil
}

// EncryptionKey decodes the configured backup encryption key. Returns nil when
// no key is configured (development mode: backups are written unencrypted).
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.BackupEncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.BackupEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode BACKUP_ENCRYPTION_KEY: %w", err)
	}
	return key, nil
}
