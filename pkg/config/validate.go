package config

import "fmt"

// ValidatableConfig is a configuration part that reports its own problems.
type ValidatableConfig interface {
	Validate() []error
}

// Validate collects the problems of every part. Nil parts are skipped.
func Validate(cfgs ...ValidatableConfig) []error {
	var out []error
	for _, cfg := range cfgs {
		if cfg == nil {
			continue
		}
		out = append(out, cfg.Validate()...)
	}
	return out
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d not in [1, 65535]", port)
	}
	return nil
}

// validateNonNegative reports a negative value of the named flag.
func validateNonNegative[T ~int | ~int64](flag string, v T) error {
	if v < 0 {
		return fmt.Errorf("'--%s' must not be negative", flag)
	}
	return nil
}
