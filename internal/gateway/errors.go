// ABOUTME: Maps domain errors onto gRPC status codes and HTTP status codes
// ABOUTME: One classification shared by both transports so they agree

package gateway

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-orchestrator/internal/agent"
	"github.com/2389/coven-orchestrator/internal/chat"
	"github.com/2389/coven-orchestrator/internal/dispatch"
	"github.com/2389/coven-orchestrator/internal/media"
	"github.com/2389/coven-orchestrator/internal/task"
)

// errorCode classifies err. Unrecognised errors are Internal.
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, agent.ErrUnknownAgent),
		errors.Is(err, agent.ErrConnectionClosed),
		errors.Is(err, task.ErrTaskNotFound):
		return codes.NotFound

	case errors.Is(err, agent.ErrDuplicateCapability),
		errors.Is(err, chat.ErrDuplicateMessage):
		return codes.AlreadyExists

	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrDoubleCompletion),
		errors.Is(err, task.ErrProgressRejected),
		errors.Is(err, dispatch.ErrNotAssigned):
		return codes.FailedPrecondition

	case errors.Is(err, task.ErrUnknownCapability),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidSender),
		errors.Is(err, media.ErrEmptyUpload),
		errors.Is(err, media.ErrMissingFilename):
		return codes.InvalidArgument

	case errors.Is(err, chat.ErrUploadsDisabled):
		return codes.Unimplemented

	case errors.Is(err, chat.ErrClosed),
		errors.Is(err, dispatch.ErrStopped):
		return codes.Unavailable

	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errorCode(err), err.Error())
}

// httpStatus converts a domain error into an HTTP status code.
func httpStatus(err error) int {
	switch errorCode(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
