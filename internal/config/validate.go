package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks every section and reports all problems at once.
//
// Ensures:
//   - storage.path is set
//   - certificate validities are positive
//   - sync.workers and sync.max_update_rounds are at least 1
//   - sync.interval is positive
//   - log.level and log.format are known
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path must be set"))
	}
	if c.Storage.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("storage.busy_timeout must not be negative, got %s", c.Storage.BusyTimeout.Std()))
	}
	if c.Certificates.IdentityValidity <= 0 {
		errs = append(errs, fmt.Errorf("certificates.identity_validity must be positive, got %s", c.Certificates.IdentityValidity.Std()))
	}
	if c.Certificates.MembershipValidity <= 0 {
		errs = append(errs, fmt.Errorf("certificates.membership_validity must be positive, got %s", c.Certificates.MembershipValidity.Std()))
	}
	if strings.TrimSpace(c.AdminGroup.Name) == "" {
		errs = append(errs, errors.New("admin_group.name must be set"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval.Std()))
	}
	if c.Sync.MaxUpdateRounds < 1 {
		errs = append(errs, fmt.Errorf("sync.max_update_rounds must be at least 1, got %d", c.Sync.MaxUpdateRounds))
	}
	if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
