package account

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/lock"
)

// Manager owns the accounts.toml registry under one base directory.
// Account directories live under <base>/accounts/<name>.
type Manager struct {
	mu   sync.Mutex
	base string
	reg  *config.Accounts
}

// Open loads the registry under base, creating an empty one if missing.
func Open(base string) (*Manager, error) {
	reg, err := config.Load(RegistryPath(base))
	if errors.Is(err, fs.ErrNotExist) {
		reg = config.NewAccounts()
	} else if err != nil {
		return nil, fmt.Errorf("load accounts registry: %w", err)
	}
	return &Manager{base: base, reg: reg}, nil
}

// Base returns the directory holding accounts.toml.
func (m *Manager) Base() string { return m.base }

// List returns a copy of the registered accounts in id order.
func (m *Manager) List() []config.AccountEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.AccountEntry, len(m.reg.Accounts))
	copy(out, m.reg.Accounts)
	return out
}

// Add registers a new account called name and creates its directory.
// The first account added becomes the selected one.
func (m *Manager) Add(name string) (config.AccountEntry, error) {
	if err := ValidateName(name); err != nil {
		return config.AccountEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reg.FindByName(name) != nil {
		return config.AccountEntry{}, fmt.Errorf("account %q already exists", name)
	}
	entry := config.AccountEntry{
		ID:   m.reg.NextID,
		Name: name,
		Dir:  filepath.Join(m.base, "accounts", name),
		UUID: uuid.NewString(),
	}
	if err := PathsFor(entry.Dir).Ensure(); err != nil {
		return config.AccountEntry{}, fmt.Errorf("create account dir: %w", err)
	}
	m.reg.Accounts = append(m.reg.Accounts, entry)
	m.reg.NextID++
	if m.reg.SelectedAccount == 0 {
		m.reg.SelectedAccount = entry.ID
	}
	if err := config.Save(RegistryPath(m.base), m.reg); err != nil {
		return config.AccountEntry{}, err
	}
	return entry, nil
}

// Remove unregisters account id and deletes its directory. It refuses while
// a daemon holds the account lock.
func (m *Manager) Remove(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.reg.Find(id)
	if entry == nil {
		return fmt.Errorf("account %d: %w", id, errs.ErrNotFound)
	}
	l, err := lock.Acquire(entry.Dir)
	if err != nil {
		return err
	}
	dir := entry.Dir
	_ = l.Release()

	kept := m.reg.Accounts[:0]
	for _, a := range m.reg.Accounts {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	m.reg.Accounts = kept
	if m.reg.SelectedAccount == id {
		m.reg.SelectedAccount = 0
		if len(kept) > 0 {
			m.reg.SelectedAccount = kept[0].ID
		}
	}
	if err := config.Save(RegistryPath(m.base), m.reg); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Select marks account id as the default.
func (m *Manager) Select(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg.Find(id) == nil {
		return fmt.Errorf("account %d: %w", id, errs.ErrNotFound)
	}
	m.reg.SelectedAccount = id
	return config.Save(RegistryPath(m.base), m.reg)
}

// Selected returns the selected account.
func (m *Manager) Selected() (config.AccountEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.reg.Find(m.reg.SelectedAccount); e != nil {
		return *e, nil
	}
	return config.AccountEntry{}, fmt.Errorf("no account selected: %w", errs.ErrNotFound)
}

// Lookup finds an account by name.
func (m *Manager) Lookup(name string) (config.AccountEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.reg.FindByName(name); e != nil {
		return *e, nil
	}
	return config.AccountEntry{}, fmt.Errorf("account %q: %w", name, errs.ErrNotFound)
}

// Migrate registers an existing account directory under name without
// moving it.
func (m *Manager) Migrate(name, dir string) (config.AccountEntry, error) {
	if err := ValidateName(name); err != nil {
		return config.AccountEntry{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return config.AccountEntry{}, fmt.Errorf("migrate account: %w", err)
	}
	if !info.IsDir() {
		return config.AccountEntry{}, fmt.Errorf("migrate account: %s is not a directory", dir)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg.FindByName(name) != nil {
		return config.AccountEntry{}, fmt.Errorf("account %q already exists", name)
	}
	entry := config.AccountEntry{ID: m.reg.NextID, Name: name, Dir: dir, UUID: uuid.NewString()}
	if err := PathsFor(dir).Ensure(); err != nil {
		return config.AccountEntry{}, err
	}
	m.reg.Accounts = append(m.reg.Accounts, entry)
	m.reg.NextID++
	if m.reg.SelectedAccount == 0 {
		m.reg.SelectedAccount = entry.ID
	}
	if err := config.Save(RegistryPath(m.base), m.reg); err != nil {
		return config.AccountEntry{}, err
	}
	return entry, nil
}
