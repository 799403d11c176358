package config

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds everything the bot needs at startup. Values come from the
// environment, with an optional .env file for local runs.
type Config struct {
	BotToken    string `env:"BOT_TOKEN,required"`
	AdminID     int64  `env:"ADMIN_ID,required"`
	MongoURI    string `env:"MONGO_URI,required"`
	MongoDBName string `env:"MONGO_DB_NAME,default=telegram_relay"`

	// ChatTimeout is the operator's conversation-target inactivity window.
	ChatTimeout time.Duration `env:"CHAT_TIMEOUT,default=10m"`
	// VerificationTimeout is how long a user has to answer one challenge.
	VerificationTimeout time.Duration `env:"VERIFICATION_TIMEOUT,default=3m"`

	Debug     bool   `env:"DEBUG,default=false"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AdminID <= 0 {
		return fmt.Errorf("ADMIN_ID must be a positive integer, got %d", c.AdminID)
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("CHAT_TIMEOUT must be positive, got %s", c.ChatTimeout)
	}
	if c.VerificationTimeout <= 0 {
		return fmt.Errorf("VERIFICATION_TIMEOUT must be positive, got %s", c.VerificationTimeout)
	}
	return nil
}
