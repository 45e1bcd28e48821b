package services

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError marks automation misconfiguration (missing credentials,
// invalid filter regex, malformed source config). It is surfaced on the run
// and never auto-retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// SourceError marks a transient poll failure (network, API). The run is
// marked error but the schedule still advances.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s poll failed: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// AgentTimeoutError marks a supervised job that exceeded its timeout. The
// item is still recorded as processed; the error surfaces in the run.
type AgentTimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent job %s timed out after %s", e.JobID, e.Timeout)
}

// IsAgentTimeout reports whether err is (or wraps) an AgentTimeoutError.
func IsAgentTimeout(err error) bool {
	var te *AgentTimeoutError
	return errors.As(err, &te)
}

// UnsupportedError marks a source or output kind the engine has no adapter
// for. Automations may be defined ahead of adapter support; polling them
// yields this instead of a panic.
type UnsupportedError struct {
	Kind  string // "source" or "output"
	Value string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s type %q is not yet implemented", e.Kind, e.Value)
}
