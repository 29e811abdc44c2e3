package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Accounts is the global accounts.toml registry.
type Accounts struct {
	SelectedAccount int            `toml:"selected_account"`
	NextID          int            `toml:"next_id"`
	Accounts        []AccountEntry `toml:"accounts"`
}

// AccountEntry describes one registered account directory.
type AccountEntry struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
	Dir  string `toml:"dir"`
	UUID string `toml:"uuid"`
}

// NewAccounts returns an empty registry.
func NewAccounts() *Accounts {
	return &Accounts{NextID: 1}
}

// Load reads the registry from path. A missing file returns an error.
func Load(path string) (*Accounts, error) {
	var cfg Accounts
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.NextID == 0 {
		cfg.NextID = 1
		for _, a := range cfg.Accounts {
			if a.ID >= cfg.NextID {
				cfg.NextID = a.ID + 1
			}
		}
	}
	return &cfg, nil
}

// Save writes the registry atomically, creating parent dirs as needed.
func Save(path string, cfg *Accounts) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("encode accounts: %w", encErr)
	}
	return os.Rename(tmp, path)
}

// Find returns the entry with the given id, or nil.
func (a *Accounts) Find(id int) *AccountEntry {
	for i := range a.Accounts {
		if a.Accounts[i].ID == id {
			return &a.Accounts[i]
		}
	}
	return nil
}

// FindByName returns the entry with the given name, or nil.
func (a *Accounts) FindByName(name string) *AccountEntry {
	for i := range a.Accounts {
		if a.Accounts[i].Name == name {
			return &a.Accounts[i]
		}
	}
	return nil
}
