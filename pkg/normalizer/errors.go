package normalizer

import (
	"fmt"
	"strings"
)

// MalformedEventError rejects a raw event that can never be forwarded.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// ConfigurationMissingError reports the device settings that must be set
// before events can be accepted.
type ConfigurationMissingError struct {
	Missing []string
}

func (e *ConfigurationMissingError) Error() string {
	return fmt.Sprintf("configuration missing: %s", strings.Join(e.Missing, ", "))
}
