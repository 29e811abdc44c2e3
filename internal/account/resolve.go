package account

import "github.com/matheus3301/postbox/internal/config"

const DefaultAccountName = "main"

// Resolve determines the account to operate on using precedence:
// 1. flagOverride (--account flag)
// 2. accounts.toml selected_account
// 3. "main", registered on first use
func Resolve(m *Manager, flagOverride string) (config.AccountEntry, error) {
	if flagOverride != "" {
		if err := ValidateName(flagOverride); err != nil {
			return config.AccountEntry{}, err
		}
		if e, err := m.Lookup(flagOverride); err == nil {
			return e, nil
		}
		return m.Add(flagOverride)
	}
	if e, err := m.Selected(); err == nil {
		return e, nil
	}
	if e, err := m.Lookup(DefaultAccountName); err == nil {
		return e, nil
	}
	return m.Add(DefaultAccountName)
}
