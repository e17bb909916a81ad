// Package config loads the trustagent configuration file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in Go duration syntax ("90s", "8760h").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StorageSection configures the SQLite database.
type StorageSection struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// CertificatesSection configures certificate lifetimes.
type CertificatesSection struct {
	IdentityValidity   Duration `yaml:"identity_validity"`
	MembershipValidity Duration `yaml:"membership_validity"`
}

// AdminGroupSection names the admin group created with a new database.
type AdminGroupSection struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SyncSection configures the synchronisation loop.
type SyncSection struct {
	Workers         int      `yaml:"workers"`
	Interval        Duration `yaml:"interval"`
	MaxUpdateRounds int      `yaml:"max_update_rounds"`
}

// LogSection configures logging.
type LogSection struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Config is the content of trustagent.yaml.
type Config struct {
	Version      int                 `yaml:"version,omitempty"`
	Storage      StorageSection      `yaml:"storage"`
	Certificates CertificatesSection `yaml:"certificates"`
	AdminGroup   AdminGroupSection   `yaml:"admin_group"`
	Sync         SyncSection         `yaml:"sync"`
	Log          LogSection          `yaml:"log"`
}

// Default returns a configuration that works without a file.
func Default() Config {
	return Config{
		Version: 1,
		Storage: StorageSection{
			Path:        "trustagent.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		Certificates: CertificatesSection{
			IdentityValidity:   Duration(365 * 24 * time.Hour),
			MembershipValidity: Duration(365 * 24 * time.Hour),
		},
		AdminGroup: AdminGroupSection{
			Name:        "Admin group",
			Description: "Members may administer every managed application",
		},
		Sync: SyncSection{
			Workers:         4,
			Interval:        Duration(time.Minute),
			MaxUpdateRounds: 8,
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LogLevel returns the configured slog level. Unknown levels map to Info;
// Validate rejects them.
func (c Config) LogLevel() slog.Level {
	if l, ok := logLevels[strings.ToLower(c.Log.Level)]; ok {
		return l
	}
	return slog.LevelInfo
}
