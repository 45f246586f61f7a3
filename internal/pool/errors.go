package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHealthyProxy is returned by the request path when a full scan of the
	// pool found no descriptor marked working.
	ErrNoHealthyProxy = errors.New("no healthy proxy available")

	// ErrNoWorkingProxy is returned by GetProxy when no descriptor is both
	// working and not blacklisted.
	ErrNoWorkingProxy = errors.New("no working proxy found")

	ErrIndexOutOfRange = errors.New("proxy index out of range")
)

// ConfigError reports an invalid pool setting such as an unknown scheme.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}
