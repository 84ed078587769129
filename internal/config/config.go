// Package config loads the rotation engine's environment-variable
// configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openemr/creds-rotator/internal/rotateerrors"
)

// Config holds every value the engine reads from the environment.
type Config struct {
	SlotSecretID  string
	AdminSecretID string

	SitesMountRoot string // ConfigFile lives at <root>/default/sqlconf.php
	ConfigFilePath string

	ECSCluster string
	ECSService string

	HealthcheckURL string // optional

	AWSRegion string

	// AppUID/AppGID are the owner ConfigFile.Write and ConfigFile.FixPermissions
	// chown the config file to, from OPENEMR_APP_UID/OPENEMR_APP_GID. Both
	// default to 0, which ConfigFile treats as "leave ownership alone"
	// (root-owned files have no rotation-time owner to restore).
	AppUID int
	AppGID int

	// LockTimeoutOverride, if set via ROTATION_LOCK_TIMEOUT, replaces every
	// component timeout (ECS wait, HTTP probe, DB op, secret-store op)
	// returned by the accessors below. Zero means "use defaults unchanged".
	LockTimeoutOverride time.Duration
}

const (
	defaultECSWaitTimeout   = 20 * time.Minute
	defaultHTTPProbeTimeout = 10 * time.Second
	defaultDBOpTimeout      = 30 * time.Second
	defaultSecretOpTimeout  = 10 * time.Second
)

// ECSWaitTimeout returns the configured ECS stability-wait timeout.
func (c Config) ECSWaitTimeout() time.Duration {
	if c.LockTimeoutOverride > 0 {
		return c.LockTimeoutOverride
	}
	return defaultECSWaitTimeout
}

// HTTPProbeTimeout returns the configured HTTP health-probe timeout.
func (c Config) HTTPProbeTimeout() time.Duration {
	if c.LockTimeoutOverride > 0 {
		return c.LockTimeoutOverride
	}
	return defaultHTTPProbeTimeout
}

// DBOpTimeout returns the configured database operation timeout.
func (c Config) DBOpTimeout() time.Duration {
	if c.LockTimeoutOverride > 0 {
		return c.LockTimeoutOverride
	}
	return defaultDBOpTimeout
}

// SecretOpTimeout returns the configured secret-store operation timeout.
func (c Config) SecretOpTimeout() time.Duration {
	if c.LockTimeoutOverride > 0 {
		return c.LockTimeoutOverride
	}
	return defaultSecretOpTimeout
}

// FromEnv reads and validates the engine configuration from the process
// environment. It returns a *rotateerrors.UsageError for any missing
// required variable so the CLI can exit 2 before any side effect.
func FromEnv(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	req := func(name string) (string, error) {
		v := getenv(name)
		if v == "" {
			return "", &rotateerrors.UsageError{Msg: "missing required environment variable " + name}
		}
		return v, nil
	}

	var cfg Config
	var err error

	if cfg.SlotSecretID, err = req("RDS_SLOT_SECRET_ID"); err != nil {
		return Config{}, err
	}
	if cfg.AdminSecretID, err = req("RDS_ADMIN_SECRET_ID"); err != nil {
		return Config{}, err
	}
	if cfg.SitesMountRoot, err = req("OPENEMR_SITES_MOUNT_ROOT"); err != nil {
		return Config{}, err
	}
	if cfg.ECSCluster, err = req("OPENEMR_ECS_CLUSTER"); err != nil {
		return Config{}, err
	}
	if cfg.ECSService, err = req("OPENEMR_ECS_SERVICE"); err != nil {
		return Config{}, err
	}
	if cfg.AWSRegion, err = req("AWS_REGION"); err != nil {
		return Config{}, err
	}

	cfg.HealthcheckURL = getenv("OPENEMR_HEALTHCHECK_URL") // optional

	if raw := getenv("OPENEMR_APP_UID"); raw != "" {
		uid, perr := strconv.Atoi(raw)
		if perr != nil {
			return Config{}, &rotateerrors.UsageError{Msg: "invalid OPENEMR_APP_UID: " + perr.Error()}
		}
		cfg.AppUID = uid
	}
	if raw := getenv("OPENEMR_APP_GID"); raw != "" {
		gid, perr := strconv.Atoi(raw)
		if perr != nil {
			return Config{}, &rotateerrors.UsageError{Msg: "invalid OPENEMR_APP_GID: " + perr.Error()}
		}
		cfg.AppGID = gid
	}

	if raw := getenv("ROTATION_LOCK_TIMEOUT"); raw != "" {
		d, perr := time.ParseDuration(raw)
		if perr != nil {
			return Config{}, &rotateerrors.UsageError{Msg: "invalid ROTATION_LOCK_TIMEOUT: " + perr.Error()}
		}
		cfg.LockTimeoutOverride = d
	}

	cfg.ConfigFilePath = filepath.Join(cfg.SitesMountRoot, "default", "sqlconf.php")

	return cfg, nil
}
