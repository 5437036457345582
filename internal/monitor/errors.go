package monitor

import (
	"errors"
	"fmt"
	"strings"
)

// Initialization and runtime failures each get their own sentinel so
// callers can tell the causes apart with errors.Is instead of matching
// message text.
var (
	// ErrMissingEndpoint means no agent configuration path was supplied.
	ErrMissingEndpoint = errors.New("agent configuration path is empty")

	// ErrNotAFile means the agent configuration path does not name a
	// regular file.
	ErrNotAFile = errors.New("agent configuration is not a regular file")

	// ErrNotReadable means the agent configuration file exists but the
	// current user cannot open it.
	ErrNotReadable = errors.New("agent configuration is not readable")

	// ErrInvalidFlag means a boolean-like token could not be parsed.
	ErrInvalidFlag = errors.New("invalid boolean token")

	// ErrLogCreate means the log destination could not be created.
	ErrLogCreate = errors.New("cannot create log file")

	// ErrLogNotWritable means the log destination exists but the current
	// user cannot write it.
	ErrLogNotWritable = errors.New("log file is not writable")

	// ErrMissingDependency means the sender executable is not on PATH.
	ErrMissingDependency = errors.New("sender binary not found")

	// ErrSubmission means the agent rejected or never received a value.
	ErrSubmission = errors.New("value submission failed")

	// ErrInvalidJSON means a discovery document failed to parse back as
	// JSON and was not published.
	ErrInvalidJSON = errors.New("discovery document is not valid JSON")
)

// ParseBool maps the boolean-like tokens accepted in configuration and
// environment overrides onto Go booleans. Matching is case-insensitive
// and surrounding whitespace is ignored. Anything outside the token set
// fails with ErrInvalidFlag.
func ParseBool(token string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "1", "t", "true", "yes", "on":
		return true, nil
	case "0", "f", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidFlag, token)
}
