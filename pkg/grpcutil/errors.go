package grpcutil

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode binds a sentinel error to the gRPC code it is reported as.
type ErrorCode struct {
	Target error
	Code   codes.Code
}

// ToStatus converts err into a gRPC status error. Errors that already carry
// a status keep their code; otherwise the first entry in table matching via
// errors.Is decides the code. Context errors map to Canceled and
// DeadlineExceeded, anything else to Internal.
func ToStatus(err error, table []ErrorCode) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	for _, ec := range table {
		if errors.Is(err, ec.Target) {
			return status.Error(ec.Code, err.Error())
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return InternalError(err)
}

// NotFoundError creates a NOT_FOUND gRPC error.
func NotFoundError(resource, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resource, id)
}

// InvalidArgumentError creates an INVALID_ARGUMENT gRPC error.
func InvalidArgumentError(field, reason string) error {
	return status.Errorf(codes.InvalidArgument, "invalid %s: %s", field, reason)
}

// FailedPreconditionError creates a FAILED_PRECONDITION gRPC error.
func FailedPreconditionError(reason string) error {
	return status.Errorf(codes.FailedPrecondition, "%s", reason)
}

// InternalError creates an INTERNAL gRPC error.
func InternalError(err error) error {
	return status.Errorf(codes.Internal, "internal error: %v", err)
}

// WrapError wraps an error with context and converts to appropriate gRPC status.
func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf(format, args...)

	if s, ok := status.FromError(err); ok {
		return status.Errorf(s.Code(), "%s: %s", msg, s.Message())
	}

	return status.Errorf(codes.Internal, "%s: %v", msg, err)
}

// IsNotFound checks if an error is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsFailedPrecondition checks if an error is a FAILED_PRECONDITION error.
func IsFailedPrecondition(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
