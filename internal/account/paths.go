package account

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory when set.
const HomeEnv = "POSTBOX_HOME"

// BaseDir returns $POSTBOX_HOME or ~/.postbox.
func BaseDir() string {
	if d := os.Getenv(HomeEnv); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".postbox")
}

// RegistryPath returns the accounts.toml path under base.
func RegistryPath(base string) string {
	return filepath.Join(base, "accounts.toml")
}

// Paths locates everything an account keeps on disk.
type Paths struct {
	Dir string
}

// PathsFor returns the paths of account dir.
func PathsFor(dir string) Paths { return Paths{Dir: dir} }

// DB returns the SQLite database path.
func (p Paths) DB() string { return filepath.Join(p.Dir, "dc.db") }

// BlobDir returns the attachment directory.
func (p Paths) BlobDir() string { return filepath.Join(p.Dir, "blobs") }

// LogDir returns the log directory.
func (p Paths) LogDir() string { return filepath.Join(p.Dir, "logs") }

// LogFile returns the daemon log file path.
func (p Paths) LogFile() string { return filepath.Join(p.LogDir(), "postboxd.log") }

// Settings returns the per-account settings.toml path.
func (p Paths) Settings() string { return filepath.Join(p.Dir, "settings.toml") }

// Socket returns the control socket path.
func (p Paths) Socket() string { return filepath.Join(p.Dir, "postboxd.sock") }

// Ensure creates the account directory tree with owner-only permissions.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.BlobDir(), p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
