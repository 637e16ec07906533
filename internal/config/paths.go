package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppPaths resolves the on-disk locations the engine reads and writes.
// No directories library exists anywhere in the reference pack for Go,
// so this resolves XDG-ish paths directly against os.UserConfigDir /
// os.UserHomeDir rather than pulling in an unexercised dependency.
type AppPaths struct {
	ConfigDir     string
	DataDir       string
	LogDir        string
	ConfigFile    string
	DBFile        string
	SecretsFile   string
	RecordingsDir string
}

// NewAppPaths resolves the standard set of paths under the user's
// config/data directories, namespaced under "catsolle".
func NewAppPaths() (*AppPaths, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	configDir = filepath.Join(configDir, "catsolle")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dataDir := filepath.Join(home, ".local", "share", "catsolle")
	if runtime.GOOS == "darwin" {
		dataDir = filepath.Join(home, "Library", "Application Support", "catsolle")
	}

	return &AppPaths{
		ConfigDir:     configDir,
		DataDir:       dataDir,
		LogDir:        filepath.Join(dataDir, "logs"),
		ConfigFile:    filepath.Join(configDir, "config.toml"),
		DBFile:        filepath.Join(dataDir, "catsolle.db"),
		SecretsFile:   filepath.Join(dataDir, "secrets.enc"),
		RecordingsDir: filepath.Join(dataDir, "recordings"),
	}, nil
}

// EnsureDirs creates every directory this AppPaths references.
func (p *AppPaths) EnsureDirs() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.LogDir, p.RecordingsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// SSHHome returns the directory known_hosts and private keys live
// under: $HOME/.ssh (or %USERPROFILE%\.ssh on Windows).
func SSHHome() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		home = os.Getenv("USERPROFILE")
	}
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(home, ".ssh"), nil
}
