package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/postbox/internal/errs"
)

func invalid(msg string) error {
	return grpcstatus.Error(codes.InvalidArgument, msg)
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrInvalidInvite), errors.Is(err, errs.ErrSelfInvite):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrEngineRunning), errors.Is(err, errs.ErrEngineStopped),
		errors.Is(err, errs.ErrNotConfigured), errors.Is(err, errs.ErrNoKey):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrChatNotWritable):
		code = codes.PermissionDenied
	case errs.IsAuthError(err):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Error(code, err.Error())
}
