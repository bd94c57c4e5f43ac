package session

import (
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/wabridge/internal/config"
)

const (
	// DefaultName is used when neither flag, env nor config names a session.
	DefaultName = "main"
	// NameEnv selects the session when --session is not given.
	NameEnv = "WABRIDGE_SESSION"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name can be used as a directory under the
// wabridge home.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 lowercase letters, digits, '-' or '_'", name)
	}
	return nil
}

// Resolve picks the session name from, in order, the --session flag, the
// WABRIDGE_SESSION variable, default_session in the config file under
// WABRIDGE_HOME, and "main". The chosen name is validated and errors name the
// source it came from.
func Resolve(flagValue string) (string, error) {
	name, source := DefaultName, "default"
	switch {
	case flagValue != "":
		name, source = flagValue, "--session"
	case os.Getenv(NameEnv) != "":
		name, source = os.Getenv(NameEnv), NameEnv
	default:
		if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
			name, source = cfg.DefaultSession, "default_session in "+ConfigPath()
		}
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%w (from %s)", err, source)
	}
	return name, nil
}
