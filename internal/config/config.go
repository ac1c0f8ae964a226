package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir          string        `mapstructure:"MIGRATIONS_DIR"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL            string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience           string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey         string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SlotGranularityMinutes int           `mapstructure:"SLOT_GRANULARITY_MINUTES"`
	WorkdayStart           string        `mapstructure:"WORKDAY_START"`
	WorkdayEnd             string        `mapstructure:"WORKDAY_END"`
	EnforceSlotExclusivity bool          `mapstructure:"ENFORCE_SLOT_EXCLUSIVITY"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"SLOT_GRANULARITY_MINUTES", "WORKDAY_START", "WORKDAY_END", "ENFORCE_SLOT_EXCLUSIVITY",
}

// Load reads configuration from the environment. An optional .env file in the
// working directory is loaded first; variables already set in the process
// environment win over the file.
func Load() (*Config, error) {
	cfg, err := LoadGrid()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// LoadGrid reads the same sources as Load for commands that never touch the
// database, so DATABASE_URL may be unset. Nothing is validated.
func LoadGrid() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("SLOT_GRANULARITY_MINUTES", 30)
	v.SetDefault("WORKDAY_START", "09:00")
	v.SetDefault("WORKDAY_END", "17:00")
	v.SetDefault("ENFORCE_SLOT_EXCLUSIVITY", false)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper does not split comma-separated env values into slices
	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
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

// Validate checks the slot grid settings and that a non-development server
// has some way of verifying bearer tokens.
func (c *Config) Validate() error {
	if _, _, err := c.workday(); err != nil {
		return err
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q", c.Env)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return nil
}

// workday checks the slot grid settings and returns the working hours in
// minutes since midnight.
func (c *Config) workday() (start, end int, err error) {
	switch c.SlotGranularityMinutes {
	case 15, 30, 60:
	default:
		return 0, 0, fmt.Errorf("SLOT_GRANULARITY_MINUTES must be 15, 30 or 60, got %d", c.SlotGranularityMinutes)
	}

	if start, err = parseClock(c.WorkdayStart); err != nil {
		return 0, 0, fmt.Errorf("WORKDAY_START: %w", err)
	}
	if end, err = parseClock(c.WorkdayEnd); err != nil {
		return 0, 0, fmt.Errorf("WORKDAY_END: %w", err)
	}
	if end <= start {
		return 0, 0, fmt.Errorf("WORKDAY_END (%s) must be after WORKDAY_START (%s)", c.WorkdayEnd, c.WorkdayStart)
	}
	if (end-start)%c.SlotGranularityMinutes != 0 {
		return 0, 0, fmt.Errorf("working hours %s-%s are not a multiple of %d minutes",
			c.WorkdayStart, c.WorkdayEnd, c.SlotGranularityMinutes)
	}
	return start, end, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
