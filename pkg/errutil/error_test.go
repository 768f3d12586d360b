package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBaseErrorReasonAndStatus(t *testing.T) {
	err := TooManyRequest("too many clicks", nil, WithReason(ReasonRateLimited))

	var base BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, http.StatusTooManyRequests, base.Code.HTTPStatus())
	require.Equal(t, ReasonRateLimited, base.Reason)
	require.True(t, base.Retryable())
	require.True(t, HasReason(err, ReasonRateLimited))
	require.Equal(t, "[RATE_LIMITED] too many clicks", err.Error())
}

func TestConstructorKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := BadGateway("settlement unavailable", cause)

	require.ErrorIs(t, err, cause)
	require.True(t, IsRetryable(err))
}

func TestFromMapsContextErrors(t *testing.T) {
	require.Equal(t, StatusTimeout, From(fmt.Errorf("wait: %w", context.DeadlineExceeded)).Code)
	require.Equal(t, StatusClientClosedRequest, From(context.Canceled).Code)
	require.Equal(t, StatusInternal, From(errors.New("x")).Code)
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(BadRequest("bad", nil)))
}

func TestBodyHidesInternalCause(t *testing.T) {
	body := From(Internal("db write failed", errors.New("pq: secret detail"))).Body()

	require.Equal(t, false, body["success"])
	inner := body["error"].(map[string]any)
	require.Equal(t, "internal error", inner["message"])
	require.Equal(t, ReasonInternal, inner["reason"])
}

func TestToGRPCError(t *testing.T) {
	st, ok := status.FromError(ToGRPCError(NotFound("transaction not found", nil, WithReason(ReasonNotFound))))
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())
	require.Equal(t, "NOT_FOUND: transaction not found", st.Message())

	st, _ = status.FromError(ToGRPCError(context.DeadlineExceeded))
	require.Equal(t, codes.DeadlineExceeded, st.Code())

	require.NoError(t, ToGRPCError(nil))
}
