// Package rpcerrors maps the internal sentinel errors used across the
// control plane onto the gRPC canonical codes in spec.md §7's error table.
package rpcerrors

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/cas"
)

// Kind is one of the error kinds from spec.md §7.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	Unauthenticated
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	DeadlineExceeded
	Cancelled
	Unavailable
)

// Error is a sentinel error carrying a Kind, convertible to a gRPC status.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// New constructs an *Error.
func New(k Kind, msg string) error { return &Error{Kind: k, Msg: msg} }

var kindToCode = map[Kind]codes.Code{
	Internal:           codes.Internal,
	InvalidArgument:    codes.InvalidArgument,
	NotFound:           codes.NotFound,
	AlreadyExists:      codes.AlreadyExists,
	Unauthenticated:    codes.Unauthenticated,
	PermissionDenied:   codes.PermissionDenied,
	ResourceExhausted:  codes.ResourceExhausted,
	FailedPrecondition: codes.FailedPrecondition,
	DeadlineExceeded:   codes.DeadlineExceeded,
	Cancelled:          codes.Canceled,
	Unavailable:        codes.Unavailable,
}

// ToStatus converts err to a gRPC status error, recognising both *Error and
// the well-known sentinels from cas and actioncache so RPC handlers don't
// each need their own switch statement.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(kindToCode[e.Kind], e.Msg)
	}
	switch {
	case errors.Is(err, cas.ErrNotFound), errors.Is(err, actioncache.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, cas.ErrInvalidDigest):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
