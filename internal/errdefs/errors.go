// Package errdefs defines the error taxonomy shared across the control plane.
// Errors are sentinel values wrapped with fmt.Errorf("%w") at call sites and
// mapped to HTTP/WS status codes at the gateway.
package errdefs

import "errors"

var (
	// ErrInvalidName means a session name fell outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("invalid session name")

	// ErrInvalidArgument means the caller supplied a malformed parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotOwned means the principal does not own the target resource.
	ErrNotOwned = errors.New("resource not owned by user")

	// ErrUnauthenticated means no valid principal was presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound means the target session or executor does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a session with the given name already exists.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrExecutorOffline means the routing target is unreachable; the caller
	// may retry later.
	ErrExecutorOffline = errors.New("executor offline")

	// ErrRpcTimeout means the executor did not respond within the RPC window.
	ErrRpcTimeout = errors.New("rpc timed out")

	// ErrSpawnFailure means a subprocess could not be started.
	ErrSpawnFailure = errors.New("spawn failure")

	// ErrIoFailure means a terminal or subprocess I/O operation failed.
	ErrIoFailure = errors.New("io failure")

	// ErrAgentCrashed means the rich subprocess exited mid-turn.
	ErrAgentCrashed = errors.New("agent process exited unexpectedly")

	// ErrTransient marks failures the bridge can recover from by retrying.
	ErrTransient = errors.New("transient failure")
)

// IsUserError reports whether err is a 400-class error the caller must correct.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrAlreadyExists)
}
