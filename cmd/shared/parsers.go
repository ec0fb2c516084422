package shared

import (
	"fmt"

	"dominicbreuker/conntransport/pkg/config"
)

// ParseEndpoints parses every argument as an endpoint URL.
func ParseEndpoints(args []string) ([]config.Endpoint, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("must provide at least one endpoint")
	}

	eps := make([]config.Endpoint, 0, len(args))
	for _, arg := range args {
		ep, err := config.ParseEndpoint(arg)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// ValidationError logs every validation error and returns a summary error,
// or nil when errs is empty.
func ValidationError(errs []error, report func(format string, a ...interface{})) error {
	if len(errs) == 0 {
		return nil
	}
	report("Argument validation errors:\n")
	for _, err := range errs {
		report(" - %s\n", err)
	}
	return fmt.Errorf("exiting")
}
