package fleetconfig

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// structValidate is the teacher's singleton-validator pattern (see its
// internal/utils/validator.go), run over Config for tag-driven checks.
// No Config field carries a validate tag, so this pass rejects nothing;
// the one required field, RoomServer.PublicURL, is checked by
// ValidateRoomServer. The fleet's semantic checks (secret strength, URI
// scheme, timeout bounds) stay as plain Go below.
var structValidate = validator.New()

// Validate checks the configuration for hard errors and fixes soft ones in
// place, the way the teacher's ValidateAndFixConfig does — except for the
// join-token secret, where outside development this fleet refuses to start
// rather than paper over a missing value with a generated one: a
// mismatched auto-generated secret between RS and D processes would
// silently break every join. In development a fixed, clearly insecure
// secret is substituted.
func Validate(cfg *Config) error {
	if err := structValidate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Token.Secret == "" {
		if cfg.Environment == "development" {
			cfg.Token.Secret = "development-only-insecure-secret"
		} else {
			return fmt.Errorf("token secret is required outside development (set DISCOVERY_SECRET or token.secret)")
		}
	}
	if len(cfg.Token.Secret) < 16 && cfg.Environment != "development" {
		return fmt.Errorf("token secret is too short, must be at least 16 characters")
	}

	minTimeout := 1 * time.Second
	maxTimeout := 5 * time.Minute
	clampTimeout(&cfg.Server.ReadTimeout, minTimeout, maxTimeout)
	clampTimeout(&cfg.Server.WriteTimeout, minTimeout, maxTimeout)
	clampTimeout(&cfg.Bus.DialTimeout, minTimeout, maxTimeout)
	clampTimeout(&cfg.Bus.RequestTimeout, minTimeout, maxTimeout)

	if cfg.Discovery.ServerTimeout <= 0 {
		cfg.Discovery.ServerTimeout = 5 * time.Second
	}

	if cfg.Bus.Addr != "" {
		if host, port, err := net.SplitHostPort(cfg.Bus.Addr); err != nil || host == "" || port == "" {
			return fmt.Errorf("invalid bus address %q: %w", cfg.Bus.Addr, err)
		}
	}

	if cfg.History.Enabled && !strings.HasPrefix(cfg.History.URI, "mongodb://") && !strings.HasPrefix(cfg.History.URI, "mongodb+srv://") {
		return fmt.Errorf("history.uri must start with mongodb:// or mongodb+srv://")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		cfg.Logging.Level = "info"
	}

	return nil
}

// ValidateRoomServer checks the settings only the room-server binary
// needs. Called by cmd/roomserver after Load, not by Validate itself,
// since discovery loads the same Config and never sets a public URL.
func ValidateRoomServer(cfg *Config) error {
	if cfg.RoomServer.PublicURL == "" {
		return fmt.Errorf("room_server.public_url is required")
	}
	return nil
}

func clampTimeout(d *time.Duration, min, max time.Duration) {
	if *d < min {
		*d = min
	} else if *d > max {
		*d = max
	}
}
