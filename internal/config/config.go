package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/watchrip/wearbridge/internal/env"
)

// Bridge modes.
const (
	BridgeModeCLI    = "cli"
	BridgeModeServer = "server"
)

const (
	EnvConfigFile           = "WEARBRIDGE_CONFIG"
	EnvBridgePath           = "WEARBRIDGE_ADB_PATH"
	EnvBundledToolPath      = "WEARBRIDGE_BUNDLED_ADB"
	EnvBridgeMode           = "WEARBRIDGE_BRIDGE_MODE"
	EnvPollInterval         = "WEARBRIDGE_POLL_INTERVAL"
	EnvCommandTimeout       = "WEARBRIDGE_COMMAND_TIMEOUT"
	EnvPackageName          = "WEARBRIDGE_PACKAGE"
	EnvMainActivity         = "WEARBRIDGE_MAIN_ACTIVITY"
	EnvManifestURL          = "WEARBRIDGE_MANIFEST_URL"
	EnvVersionCheckInterval = "WEARBRIDGE_VERSION_CHECK_INTERVAL"
	EnvVersionStaleAfter    = "WEARBRIDGE_VERSION_STALE_AFTER"
	EnvForegroundAttempts   = "WEARBRIDGE_FOREGROUND_ATTEMPTS"
	EnvForegroundDelay      = "WEARBRIDGE_FOREGROUND_DELAY"
	EnvStatusDismiss        = "WEARBRIDGE_STATUS_DISMISS"
	EnvErrorDismiss         = "WEARBRIDGE_ERROR_DISMISS"
	EnvProgressThrottle     = "WEARBRIDGE_PROGRESS_THROTTLE"
	EnvCacheDir             = "WEARBRIDGE_CACHE_DIR"
	EnvStateDBPath          = "WEARBRIDGE_STATE_DB"
	EnvBatchRemoteDir       = "WEARBRIDGE_BATCH_REMOTE_DIR"
	EnvFetchTimeout         = "WEARBRIDGE_FETCH_TIMEOUT"
	EnvDisableState         = "WEARBRIDGE_DISABLE_STATE"
	EnvDeviceAllowlist      = "WEARBRIDGE_DEVICE_ALLOWLIST"
)

const (
	defaultManifestURL = "https://raw.githubusercontent.com/jadon7/Watch-RIP-WearOS/refs/heads/main/appcast.xml"
	defaultPackageName = "com.watchrip.watchview"
	defaultStateDir    = ".wearbridge"
)

// Config holds every tunable of the bridge engine.
type Config struct {
	BridgePath      string `yaml:"bridge_path"`
	BundledToolPath string `yaml:"bundled_tool_path"`
	BridgeMode      string `yaml:"bridge_mode"`
	// DeviceAllowlist optionally restricts the registry to these serials
	// (comma or whitespace separated).
	DeviceAllowlist string `yaml:"device_allowlist"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`

	PackageName  string `yaml:"package_name"`
	MainActivity string `yaml:"main_activity"`

	ManifestURL          string        `yaml:"manifest_url"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	VersionCheckInterval time.Duration `yaml:"version_check_interval"`
	VersionStaleAfter    time.Duration `yaml:"version_stale_after"`

	ForegroundAttempts int           `yaml:"foreground_attempts"`
	ForegroundDelay    time.Duration `yaml:"foreground_delay"`

	StatusDismiss    time.Duration `yaml:"status_dismiss"`
	ErrorDismiss     time.Duration `yaml:"error_dismiss"`
	ProgressThrottle time.Duration `yaml:"progress_throttle"`

	CacheDir       string `yaml:"cache_dir"`
	StateDBPath    string `yaml:"state_db_path"`
	DisableState   bool   `yaml:"disable_state"`
	BatchRemoteDir string `yaml:"batch_remote_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BridgeMode:           BridgeModeCLI,
		PollInterval:         5 * time.Second,
		CommandTimeout:       2 * time.Minute,
		PackageName:          defaultPackageName,
		MainActivity:         ".presentation.MainActivity",
		ManifestURL:          defaultManifestURL,
		FetchTimeout:         30 * time.Second,
		VersionCheckInterval: 6 * time.Hour,
		VersionStaleAfter:    12 * time.Hour,
		ForegroundAttempts:   25,
		ForegroundDelay:      200 * time.Millisecond,
		StatusDismiss:        5 * time.Second,
		ErrorDismiss:         10 * time.Second,
		ProgressThrottle:     200 * time.Millisecond,
		BatchRemoteDir:       "/sdcard/Download",
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// (or WEARBRIDGE_CONFIG, or ~/.wearbridge/config.yaml) and env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = env.String(EnvConfigFile, "")
		explicit = path != ""
	}
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, defaultStateDir, "config.yaml")
		}
	}
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.fillPaths(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		return errors.Wrapf(err, "config: read %s failed", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "config: parse %s failed", path)
	}
	log.Debug().Str("config", path).Msg("wearbridge: loaded config file")
	return nil
}

func applyEnv(cfg *Config) {
	cfg.BridgePath = env.String(EnvBridgePath, cfg.BridgePath)
	cfg.BundledToolPath = env.String(EnvBundledToolPath, cfg.BundledToolPath)
	cfg.BridgeMode = strings.ToLower(env.String(EnvBridgeMode, cfg.BridgeMode))
	cfg.DeviceAllowlist = env.String(EnvDeviceAllowlist, cfg.DeviceAllowlist)
	cfg.PollInterval = env.Duration(EnvPollInterval, cfg.PollInterval)
	cfg.CommandTimeout = env.Duration(EnvCommandTimeout, cfg.CommandTimeout)
	cfg.PackageName = env.String(EnvPackageName, cfg.PackageName)
	cfg.MainActivity = env.String(EnvMainActivity, cfg.MainActivity)
	cfg.ManifestURL = env.String(EnvManifestURL, cfg.ManifestURL)
	cfg.FetchTimeout = env.Duration(EnvFetchTimeout, cfg.FetchTimeout)
	cfg.VersionCheckInterval = env.Duration(EnvVersionCheckInterval, cfg.VersionCheckInterval)
	cfg.VersionStaleAfter = env.Duration(EnvVersionStaleAfter, cfg.VersionStaleAfter)
	cfg.ForegroundAttempts = env.Int(EnvForegroundAttempts, cfg.ForegroundAttempts)
	cfg.ForegroundDelay = env.Duration(EnvForegroundDelay, cfg.ForegroundDelay)
	cfg.StatusDismiss = env.Duration(EnvStatusDismiss, cfg.StatusDismiss)
	cfg.ErrorDismiss = env.Duration(EnvErrorDismiss, cfg.ErrorDismiss)
	cfg.ProgressThrottle = env.Duration(EnvProgressThrottle, cfg.ProgressThrottle)
	cfg.CacheDir = env.String(EnvCacheDir, cfg.CacheDir)
	cfg.StateDBPath = env.String(EnvStateDBPath, cfg.StateDBPath)
	cfg.DisableState = env.Bool(EnvDisableState, cfg.DisableState)
	cfg.BatchRemoteDir = env.String(EnvBatchRemoteDir, cfg.BatchRemoteDir)
}

func (c *Config) fillPaths() error {
	if c.CacheDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return errors.Wrap(err, "config: locate user config dir failed")
		}
		c.CacheDir = filepath.Join(base, "wearbridge", "APKCache")
	}
	if c.StateDBPath == "" && !c.DisableState {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "config: locate user home failed")
		}
		c.StateDBPath = filepath.Join(home, defaultStateDir, "state.sqlite")
	}
	return nil
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	switch c.BridgeMode {
	case BridgeModeCLI, BridgeModeServer:
	default:
		return errors.Errorf("config: unknown bridge_mode %q", c.BridgeMode)
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("config: command_timeout must be positive")
	}
	if strings.TrimSpace(c.PackageName) == "" {
		return errors.New("config: package_name cannot be empty")
	}
	if strings.TrimSpace(c.ManifestURL) == "" {
		return errors.New("config: manifest_url cannot be empty")
	}
	if c.VersionCheckInterval <= 0 || c.VersionStaleAfter <= 0 {
		return errors.New("config: version check intervals must be positive")
	}
	if c.ForegroundAttempts <= 0 {
		return errors.New("config: foreground_attempts must be positive")
	}
	if c.ForegroundDelay < 0 {
		return errors.New("config: foreground_delay must be non-negative")
	}
	if c.StatusDismiss <= 0 || c.ErrorDismiss <= 0 {
		return errors.New("config: dismiss windows must be positive")
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		return errors.New("config: cache_dir cannot be empty")
	}
	return nil
}

// AppDataDir is the on-device directory the companion app reads pushed files from.
func (c Config) AppDataDir() string {
	return "/storage/emulated/0/Android/data/" + c.PackageName + "/files"
}

// BroadcastAction is the intent action the companion app listens for.
func (c Config) BroadcastAction() string {
	return c.PackageName + ".OPEN_FILE"
}
