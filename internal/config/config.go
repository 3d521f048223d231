// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads agent settings from the environment (optionally
// seeded from a local .env file): typed fields, explicit defaults, and a
// single validating loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CostTable maps a job-request kind to its base price in millisatoshis.
// Services apply their own tiering on top of this base.
type CostTable map[int]int64

// DefaultCostTable mirrors the original agent's per-kind base pricing.
func DefaultCostTable() CostTable {
	return CostTable{
		5000: 500_000,   // translation
		5001: 1_000_000, // text generation / summarization
		5002: 300_000,   // URL extraction
		5100: 3_000_000, // image generation
		5300: 400_000,   // content discovery
	}
}

// Settings is the agent's full runtime configuration.
type Settings struct {
	// NostrPrivateKey is the agent's hex-encoded Nostr private key, or the
	// output of internal/crypto.SecretBox.Seal if NostrKeyEncrypted is set.
	NostrPrivateKey   string
	NostrKeyEncrypted bool
	KeyPassphrase     string

	RelayURLs []string

	AgentIdentifier string
	AgentName       string
	AgentAbout      string
	AgentPicture    string

	GeminiAPIKey   string
	GeminiModel    string
	GeminiEndpoint string

	LightningAddress   string
	PaymentTimeoutSecs int

	CostTable CostTable

	DBPath string

	LogLevel string

	WorkerPoolSize int

	AdminListenAddr string
	AdminTokenHash  string

	SweepIntervalSecs int
}

// Default returns the settings used when no environment override is present.
func Default() Settings {
	return Settings{
		RelayURLs:          []string{"wss://relay.damus.io", "wss://nos.lol"},
		AgentIdentifier:    "dvmagent",
		AgentName:          "dvmagent",
		AgentAbout:         "Paid NIP-90 data vending machine agent",
		GeminiModel:        "gemini-1.5-flash",
		GeminiEndpoint:     "https://generativelanguage.googleapis.com/v1beta/generate",
		PaymentTimeoutSecs: 900,
		CostTable:          DefaultCostTable(),
		DBPath:             "dvmagent.db",
		LogLevel:           "info",
		WorkerPoolSize:     4,
		AdminListenAddr:    "127.0.0.1:8780",
		SweepIntervalSecs:  30,
	}
}

// Load reads a .env file (if present, ignored if absent) then layers
// environment variables over Default().
func Load(envFile string) (Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()

	if v := os.Getenv("NOSTR_PRIVATE_KEY"); v != "" {
		cfg.NostrPrivateKey = v
	}
	if v := os.Getenv("NOSTR_KEY_ENCRYPTED"); v != "" {
		enc, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid NOSTR_KEY_ENCRYPTED value: %w", err)
		}
		cfg.NostrKeyEncrypted = enc
	}
	cfg.KeyPassphrase = os.Getenv("DVMAGENT_KEY_PASSPHRASE")

	if v := os.Getenv("RELAY_URLS"); v != "" {
		cfg.RelayURLs = splitAndTrim(v)
	}

	if v := os.Getenv("AGENT_IDENTIFIER"); v != "" {
		cfg.AgentIdentifier = v
	}
	if v := os.Getenv("AGENT_NAME"); v != "" {
		cfg.AgentName = v
	}
	if v := os.Getenv("AGENT_ABOUT"); v != "" {
		cfg.AgentAbout = v
	}
	cfg.AgentPicture = os.Getenv("AGENT_PICTURE")

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = v
	}
	if v := os.Getenv("GEMINI_ENDPOINT"); v != "" {
		cfg.GeminiEndpoint = v
	}

	cfg.LightningAddress = os.Getenv("LIGHTNING_ADDRESS")

	if v := os.Getenv("PAYMENT_TIMEOUT_SECS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PAYMENT_TIMEOUT_SECS: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("PAYMENT_TIMEOUT_SECS must be positive")
		}
		cfg.PaymentTimeoutSecs = n
	}

	for kind := range cfg.CostTable {
		envKey := fmt.Sprintf("COST_KIND_%d_MSATS", kind)
		if v := os.Getenv(envKey); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", envKey, err)
			}
			if n < 0 {
				return cfg, fmt.Errorf("%s must be non-negative", envKey)
			}
			cfg.CostTable[kind] = n
		}
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_POOL_SIZE: %w", err)
		}
		if n < 1 || n > 256 {
			return cfg, fmt.Errorf("WORKER_POOL_SIZE must be between 1 and 256")
		}
		cfg.WorkerPoolSize = n
	}

	if v := os.Getenv("ADMIN_LISTEN_ADDR"); v != "" {
		cfg.AdminListenAddr = v
	}
	cfg.AdminTokenHash = os.Getenv("ADMIN_TOKEN_HASH")

	if v := os.Getenv("SWEEP_INTERVAL_SECS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SWEEP_INTERVAL_SECS: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("SWEEP_INTERVAL_SECS must be positive")
		}
		cfg.SweepIntervalSecs = n
	}

	return cfg, nil
}

// PaymentTimeout returns PaymentTimeoutSecs as a time.Duration.
func (s Settings) PaymentTimeout() time.Duration {
	return time.Duration(s.PaymentTimeoutSecs) * time.Second
}

// SweepInterval returns SweepIntervalSecs as a time.Duration.
func (s Settings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSecs) * time.Second
}

func splitAndTrim(v string) []string {
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
