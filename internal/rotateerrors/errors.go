// Package rotateerrors defines the error taxonomy shared by every component
// of the rotation engine. Each kind is a distinct type so callers can
// dispatch on it with errors.As instead of matching strings.
package rotateerrors

import "fmt"

// TransientIOError wraps a network/API blip to the secret store, the
// database, or the orchestrator. The caller has already exhausted the
// shared retry budget (see internal/retry) by the time this surfaces.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient I/O error during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// AuthFailureError signals that a password did not authenticate. Inside the
// reconciler this is a drift signal, not fatal; everywhere else it is fatal.
type AuthFailureError struct {
	Username string
	Err      error
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthFailureError) Unwrap() error { return e.Err }

// DeploymentTimeoutError means ServiceRefresher.WaitStable did not observe a
// stable service before its timeout elapsed.
type DeploymentTimeoutError struct {
	Cluster string
	Service string
	Waited  string
}

func (e *DeploymentTimeoutError) Error() string {
	return fmt.Sprintf("deployment of %s/%s did not stabilize within %s", e.Cluster, e.Service, e.Waited)
}

// ValidationFailedError means a post-refresh health probe failed.
type ValidationFailedError struct {
	Probe string
	Err   error
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed (%s): %v", e.Probe, e.Err)
}

func (e *ValidationFailedError) Unwrap() error { return e.Err }

// ConflictError means the secret store's version changed between a read
// and a put, i.e. a concurrent writer raced us. Fatal, no mutations applied.
type ConflictError struct {
	SecretID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("secret %s was modified concurrently, aborting without mutation", e.SecretID)
}

// AdminCredentialsLostError means neither the stored admin password nor
// either slot password authenticates as the admin user. Manual repair only.
type AdminCredentialsLostError struct {
	Username string
}

func (e *AdminCredentialsLostError) Error() string {
	return fmt.Sprintf("admin credentials for %s are unrecoverable; manual intervention required", e.Username)
}

// ConfigCorruptError means the shared config file could not be parsed. The
// engine refuses to write over content it doesn't understand.
type ConfigCorruptError struct {
	Path string
	Err  error
}

func (e *ConfigCorruptError) Error() string {
	return fmt.Sprintf("config file %s is unparseable: %v", e.Path, e.Err)
}

func (e *ConfigCorruptError) Unwrap() error { return e.Err }

// UsageError means bad flags or a missing required environment variable.
// The CLI must exit 2 before any side effect when this occurs.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }
