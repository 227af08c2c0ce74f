package auth

import "github.com/relaybuild/rexec/internal/rpcerrors"

// ErrUnauthenticated wraps msg as an rpcerrors.Unauthenticated error (spec.md
// §4.3: token missing, malformed, unsigned, or otherwise not verifiable).
func ErrUnauthenticated(msg string) error {
	return rpcerrors.New(rpcerrors.Unauthenticated, msg)
}

// ErrPermissionDenied wraps msg as an rpcerrors.PermissionDenied error
// (spec.md §4.3: token is valid but its tenant is not active / not
// authorized for the requested operation).
func ErrPermissionDenied(msg string) error {
	return rpcerrors.New(rpcerrors.PermissionDenied, msg)
}
