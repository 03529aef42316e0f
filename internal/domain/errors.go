package domain

import "fmt"

// ConfigError reports a configuration problem detected before any claims are
// made. It fails the whole run: partial misconfiguration mid-run would corrupt
// claim semantics.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
