package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "geekpaste"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "GEEKPASTE_DATA_DIR"
	// DefaultRadioPort is the emulated radio TCP port used in fixed mode when none is set.
	DefaultRadioPort = 9787
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured radio port value.
	PortModeFixed = "fixed"
	// DefaultTransferListenAddr binds the transfer server to an ephemeral port.
	DefaultTransferListenAddr = ":0"
	// DefaultCertRefreshDays regenerates the identity this many days before expiry.
	DefaultCertRefreshDays = 30
	// DefaultWriteRetryAttempts bounds attempts per radio write.
	DefaultWriteRetryAttempts = 3
	// DefaultWriteRetryDelayMillis is the fixed delay between radio write attempts.
	DefaultWriteRetryDelayMillis = 100
	// DefaultFragmentPacingMillis is the delay between consecutive fragment writes.
	DefaultFragmentPacingMillis = 20
	// DefaultProgressIntervalMillis rate-limits downloader progress reports.
	DefaultProgressIntervalMillis = 500
	// DefaultBondTimeoutSeconds bounds how long a session waits for a bond decision.
	DefaultBondTimeoutSeconds = 30
	// DefaultEchoWindowMillis suppresses clipboard echoes received this soon after a local change.
	DefaultEchoWindowMillis = 2000
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                    string `json:"device_id"`
	DeviceName                  string `json:"device_name"`
	PortMode                    string `json:"port_mode"`
	RadioPort                   int    `json:"radio_port"`
	TransferListenAddr          string `json:"transfer_listen_addr"`
	DownloadDir                 string `json:"download_dir"`
	CertsDir                    string `json:"certs_dir"`
	CertRefreshDays             int    `json:"cert_refresh_days"`
	WriteRetryAttempts          int    `json:"write_retry_attempts"`
	WriteRetryDelayMillis       int    `json:"write_retry_delay_ms"`
	FragmentPacingMillis        int    `json:"fragment_pacing_ms"`
	ProgressIntervalMillis      int    `json:"progress_interval_ms"`
	BondTimeoutSeconds          int    `json:"bond_timeout_seconds"`
	EchoWindowMillis            int    `json:"echo_window_ms"`
	RequestCertificateOnConnect bool   `json:"request_certificate_on_connect"`
	RemoveDeliveredEndpoints    bool   `json:"remove_delivered_endpoints"`
}

// CertRefreshHorizon returns the identity refresh horizon.
func (c *DeviceConfig) CertRefreshHorizon() time.Duration {
	return time.Duration(c.CertRefreshDays) * 24 * time.Hour
}

// WriteRetryDelay returns the delay between radio write attempts.
func (c *DeviceConfig) WriteRetryDelay() time.Duration {
	return time.Duration(c.WriteRetryDelayMillis) * time.Millisecond
}

// FragmentPacing returns the delay between fragment writes.
func (c *DeviceConfig) FragmentPacing() time.Duration {
	return time.Duration(c.FragmentPacingMillis) * time.Millisecond
}

// ProgressInterval returns the downloader progress report interval.
func (c *DeviceConfig) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMillis) * time.Millisecond
}

// BondTimeout returns how long to wait for bonding.
func (c *DeviceConfig) BondTimeout() time.Duration {
	return time.Duration(c.BondTimeoutSeconds) * time.Second
}

// EchoWindow returns the clipboard echo suppression window.
func (c *DeviceConfig) EchoWindow() time.Duration {
	return time.Duration(c.EchoWindowMillis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GEEKPASTE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// DefaultDownloadsDir returns the platform downloads folder.
func DefaultDownloadsDir() (string, error) {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_DOWNLOAD_DIR"); dir != "" {
			return dir, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, "Downloads"), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// PartialDir returns where in-flight downloads keep their temp files.
func PartialDir(dataDir string) string {
	return filepath.Join(dataDir, "partial")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
		PartialDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "GeekPaste Device"
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:                    uuid.NewString(),
		DeviceName:                  defaultDeviceName(),
		PortMode:                    PortModeAutomatic,
		RequestCertificateOnConnect: true,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.RadioPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.RadioPort == 0 {
		cfg.RadioPort = DefaultRadioPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.RadioPort < 0 {
		cfg.RadioPort = 0
		updated = true
	}

	if cfg.TransferListenAddr == "" {
		cfg.TransferListenAddr = DefaultTransferListenAddr
		updated = true
	}
	if cfg.CertsDir == "" {
		cfg.CertsDir = filepath.Join(dataDir, "certs")
		updated = true
	}

	updated = defaultInt(&cfg.CertRefreshDays, DefaultCertRefreshDays) || updated
	updated = defaultInt(&cfg.WriteRetryAttempts, DefaultWriteRetryAttempts) || updated
	updated = defaultInt(&cfg.WriteRetryDelayMillis, DefaultWriteRetryDelayMillis) || updated
	updated = defaultInt(&cfg.FragmentPacingMillis, DefaultFragmentPacingMillis) || updated
	updated = defaultInt(&cfg.ProgressIntervalMillis, DefaultProgressIntervalMillis) || updated
	updated = defaultInt(&cfg.BondTimeoutSeconds, DefaultBondTimeoutSeconds) || updated
	updated = defaultInt(&cfg.EchoWindowMillis, DefaultEchoWindowMillis) || updated

	return updated
}

func defaultInt(field *int, fallback int) bool {
	if *field > 0 {
		return false
	}
	*field = fallback
	return true
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
