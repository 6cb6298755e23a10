// Package config loads the daemon's YAML configuration documents
// (accounts, rules, holidays) and the environment-derived process
// settings, and validates all of it before the daemon is allowed to start.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, validated daemon configuration.
type Config struct {
	APIBaseURL string
	HubBaseURL string
	LogLevel   string
	LogPretty  bool

	DatabasePath string

	EnforcementWorkers  int
	ShutdownGraceSeconds int

	BackupEnabled   bool
	BackupBucket    string
	BackupCron      string
	BackupRetain    int
	BackupEndpoint  string // S3-compatible endpoint (e.g. R2); empty uses AWS's default resolver
	BackupRegion    string
	BackupAccessKey string
	BackupSecretKey string

	Accounts []AccountConfig
	Rules    RuleSet
	Holidays map[string]bool // YYYY-MM-DD -> true
}

// AccountConfig is one entry of accounts.yaml.
type AccountConfig struct {
	AccountID int64  `yaml:"account_id"`
	Username  string `yaml:"username"`
	APIKey    string `yaml:"api_key"`
	Enabled   bool   `yaml:"enabled"`
	Nickname  string `yaml:"nickname"`

	// RolloverHour/Minute/Timezone define this account's daily session
	// boundary (spec §4.7): when daily P&L and trade counts reset, and the
	// instant a "hard lockout until next rollover" expires.
	RolloverHour   int    `yaml:"rollover_hour"`
	RolloverMinute int    `yaml:"rollover_minute"`
	Timezone       string `yaml:"timezone"`
}

type accountsFile struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

type holidaysFile struct {
	Holidays []string `yaml:"holidays"`
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnvRefs expands ${VAR} references against the process environment.
func resolveEnvRefs(s string) (string, error) {
	var missing string
	out := envRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envRefPattern.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return ""
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %q referenced but not set", missing)
	}
	return out, nil
}

// Load reads .env (if present), then the three YAML documents, validates
// everything, and returns a ready-to-use Config. Any validation failure
// names the offending account id and field, per spec §7 ("configuration
// invalid" refuses startup).
func Load(accountsPath, rulesPath, holidaysPath string) (*Config, error) {
	_ = godotenv.Load() // optional; secrets may also come from the real environment

	cfg := &Config{
		APIBaseURL:           getEnv("API_BASE_URL", ""),
		HubBaseURL:           getEnv("HUB_BASE_URL", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogPretty:            getEnvAsBool("LOG_PRETTY", false),
		DatabasePath:         getEnv("DATABASE_PATH", "./data/guardian.db"),
		EnforcementWorkers:   getEnvAsInt("ENFORCEMENT_WORKERS", 4),
		ShutdownGraceSeconds: getEnvAsInt("SHUTDOWN_GRACE_SECONDS", 5),
		BackupEnabled:        getEnvAsBool("BACKUP_ENABLED", false),
		BackupBucket:         getEnv("BACKUP_BUCKET", ""),
		BackupCron:           getEnv("BACKUP_CRON", "0 0 3 * * *"),
		BackupRetain:         getEnvAsInt("BACKUP_RETAIN", 14),
		BackupEndpoint:       getEnv("BACKUP_ENDPOINT", ""),
		BackupRegion:         getEnv("BACKUP_REGION", "auto"),
		BackupAccessKey:      getEnv("BACKUP_ACCESS_KEY_ID", ""),
		BackupSecretKey:      getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
	}

	if cfg.BackupEnabled && cfg.BackupBucket == "" {
		return nil, fmt.Errorf("config: BACKUP_BUCKET is required when BACKUP_ENABLED=true")
	}

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("config: API_BASE_URL is required")
	}
	if cfg.HubBaseURL == "" {
		return nil, fmt.Errorf("config: HUB_BASE_URL is required")
	}

	var af accountsFile
	if err := loadYAML(accountsPath, &af); err != nil {
		return nil, fmt.Errorf("config: accounts file: %w", err)
	}
	seen := make(map[int64]bool)
	for i := range af.Accounts {
		a := &af.Accounts[i]
		if a.AccountID <= 0 {
			return nil, fmt.Errorf("config: accounts[%d]: account_id must be a positive integer", i)
		}
		if seen[a.AccountID] {
			return nil, fmt.Errorf("config: account %d: duplicate account_id", a.AccountID)
		}
		seen[a.AccountID] = true
		if a.Username == "" {
			return nil, fmt.Errorf("config: account %d: username is required", a.AccountID)
		}
		resolvedKey, err := resolveEnvRefs(a.APIKey)
		if err != nil {
			return nil, fmt.Errorf("config: account %d: api_key: %w", a.AccountID, err)
		}
		if resolvedKey == "" {
			return nil, fmt.Errorf("config: account %d: api_key resolved empty", a.AccountID)
		}
		a.APIKey = resolvedKey
		if a.Timezone == "" {
			a.Timezone = "UTC"
		}
	}
	cfg.Accounts = af.Accounts

	rules, err := loadRules(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("config: rules file: %w", err)
	}
	cfg.Rules = *rules

	var hf holidaysFile
	if err := loadYAML(holidaysPath, &hf); err != nil {
		return nil, fmt.Errorf("config: holidays file: %w", err)
	}
	cfg.Holidays = make(map[string]bool, len(hf.Holidays))
	for _, d := range hf.Holidays {
		cfg.Holidays[d] = true
	}

	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("invalid yaml in %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}
