package account

import (
	"fmt"
	"regexp"
)

// Account names double as directory names under the accounts root.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that are not safe as a single lowercase path
// element: empty, longer than 64 bytes, or starting with '-' or '_'.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid account name %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}
