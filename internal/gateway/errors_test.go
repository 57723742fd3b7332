// ABOUTME: Tests for the shared error classification
// ABOUTME: Covers gRPC codes, HTTP statuses, and status passthrough

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-orchestrator/internal/agent"
	"github.com/2389/coven-orchestrator/internal/chat"
	"github.com/2389/coven-orchestrator/internal/dispatch"
	"github.com/2389/coven-orchestrator/internal/media"
	"github.com/2389/coven-orchestrator/internal/task"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode codes.Code
		wantHTTP int
	}{
		{agent.ErrUnknownAgent, codes.NotFound, http.StatusNotFound},
		{fmt.Errorf("lookup: %w", task.ErrTaskNotFound), codes.NotFound, http.StatusNotFound},
		{agent.ErrConnectionClosed, codes.NotFound, http.StatusNotFound},
		{agent.ErrDuplicateCapability, codes.AlreadyExists, http.StatusConflict},
		{chat.ErrDuplicateMessage, codes.AlreadyExists, http.StatusConflict},
		{task.ErrInvalidTransition, codes.FailedPrecondition, http.StatusConflict},
		{task.ErrDoubleCompletion, codes.FailedPrecondition, http.StatusConflict},
		{task.ErrProgressRejected, codes.FailedPrecondition, http.StatusConflict},
		{dispatch.ErrNotAssigned, codes.FailedPrecondition, http.StatusConflict},
		{task.ErrUnknownCapability, codes.InvalidArgument, http.StatusBadRequest},
		{chat.ErrEmptyMessage, codes.InvalidArgument, http.StatusBadRequest},
		{chat.ErrInvalidSender, codes.InvalidArgument, http.StatusBadRequest},
		{media.ErrEmptyUpload, codes.InvalidArgument, http.StatusBadRequest},
		{media.ErrMissingFilename, codes.InvalidArgument, http.StatusBadRequest},
		{chat.ErrUploadsDisabled, codes.Unimplemented, http.StatusNotImplemented},
		{chat.ErrClosed, codes.Unavailable, http.StatusServiceUnavailable},
		{dispatch.ErrStopped, codes.Unavailable, http.StatusServiceUnavailable},
		{context.Canceled, codes.Canceled, http.StatusInternalServerError},
		{context.DeadlineExceeded, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := errorCode(tt.err); got != tt.wantCode {
				t.Errorf("errorCode() = %v, want %v", got, tt.wantCode)
			}
			if got := httpStatus(tt.err); got != tt.wantHTTP {
				t.Errorf("httpStatus() = %d, want %d", got, tt.wantHTTP)
			}
			if got := status.Code(toStatus(tt.err)); got != tt.wantCode {
				t.Errorf("status.Code(toStatus()) = %v, want %v", got, tt.wantCode)
			}
		})
	}
}

func TestToStatus_PassesThroughStatusErrors(t *testing.T) {
	orig := status.Error(codes.PermissionDenied, "nope")
	if got := toStatus(orig); got != orig {
		t.Errorf("toStatus() = %v, want original status error", got)
	}
	if toStatus(nil) != nil {
		t.Error("toStatus(nil) should be nil")
	}
}
