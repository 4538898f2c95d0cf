package params

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Server struct {
	Port      int
	JWTSecret string
	Origin    string // allowed CORS origin; empty allows all (dev)
}

type Store struct {
	Path string // pebble directory
}

type Oracle struct {
	URL          string // upstream quote endpoint; empty runs the mock walk
	APIKey       string
	PollInterval time.Duration
}

type Faucet struct {
	Amount   decimal.Decimal
	Cooldown time.Duration
}

type Config struct {
	Server      Server
	Store       Store
	Oracle      Oracle
	Faucet      Faucet
	MarketsFile string
	LogFile     string
}

func Default() Config {
	return Config{
		Server: Server{
			Port: 8080,
		},
		Store: Store{
			Path: "data/simex",
		},
		Oracle: Oracle{
			PollInterval: 15 * time.Second,
		},
		Faucet: Faucet{
			Amount:   decimal.NewFromInt(10000),
			Cooldown: time.Hour,
		},
		MarketsFile: "configs/markets.yaml",
		LogFile:     "data/simex.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	cfg.Server.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Server.Origin = os.Getenv("ALLOWED_ORIGIN")

	if path := os.Getenv("STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if file := os.Getenv("MARKETS_FILE"); file != "" {
		cfg.MarketsFile = file
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.LogFile = file
	}

	cfg.Oracle.URL = os.Getenv("ORACLE_URL")
	cfg.Oracle.APIKey = os.Getenv("ORACLE_API_KEY")
	if ms := os.Getenv("ORACLE_POLL_INTERVAL_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			cfg.Oracle.PollInterval = time.Duration(n) * time.Millisecond
		}
	}

	if amount := os.Getenv("FAUCET_AMOUNT"); amount != "" {
		if d, err := decimal.NewFromString(amount); err == nil && d.IsPositive() {
			cfg.Faucet.Amount = d
		}
	}
	if ms := os.Getenv("FAUCET_COOLDOWN_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			cfg.Faucet.Cooldown = time.Duration(n) * time.Millisecond
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields the process cannot start without.
func (c *Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH cannot be empty")
	}
	if c.MarketsFile == "" {
		return fmt.Errorf("MARKETS_FILE cannot be empty")
	}
	return nil
}
