package errutil

import (
	"context"
	"errors"
	"fmt"
)

// Stable machine-readable reasons returned to API clients.
const (
	ReasonValidationFailed   = "VALIDATION_FAILED"
	ReasonBotDetected        = "BOT_DETECTED"
	ReasonRateLimited        = "RATE_LIMITED"
	ReasonBudgetExhausted    = "BUDGET_EXHAUSTED"
	ReasonCampaignNotFound   = "CAMPAIGN_NOT_FOUND"
	ReasonCampaignInactive   = "CAMPAIGN_INACTIVE"
	ReasonInsufficientEscrow = "INSUFFICIENT_ESCROW"
	ReasonNothingToPay       = "NOTHING_TO_PAY"
	ReasonPayoutsPaused      = "PAYOUTS_PAUSED"
	ReasonInvalidTransition  = "INVALID_TRANSITION"
	ReasonNotFound           = "NOT_FOUND"
	ReasonInternal           = "INTERNAL"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Reason  string     `json:"reason"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) Retryable() bool {
	return e.Code.Retryable()
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.reason(), e.messageWithErr())
}

func (e BaseError) reason() string {
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Code)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Body is the JSON error envelope returned by the HTTP API. Internal errors
// never expose the wrapped cause.
func (e BaseError) Body() map[string]any {
	msg := e.Message
	if e.Code == StatusInternal {
		msg = "internal error"
	}
	body := map[string]any{
		"code":    e.Code,
		"reason":  e.reason(),
		"message": msg,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return map[string]any{
		"success": false,
		"error":   body,
	}
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func WithReason(reason string) Option {
	return func(be *BaseError) { be.Reason = reason }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func newWith(code CoreStatus, msg string, err error, options []Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

func NotFound(msg string, err error, options ...Option) error {
	return newWith(StatusNotFound, msg, err, options)
}

func UnprocessableEntity(msg string, err error, options ...Option) error {
	return newWith(StatusUnprocessableEntity, msg, err, options)
}

func Conflict(msg string, err error, options ...Option) error {
	return newWith(StatusConflict, msg, err, options)
}

func BadRequest(msg string, err error, options ...Option) error {
	return newWith(StatusBadRequest, msg, err, options)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return newWith(StatusValidationFailed, msg, err, append([]Option{WithReason(ReasonValidationFailed)}, options...))
}

func Internal(msg string, err error, options ...Option) error {
	return newWith(StatusInternal, msg, err, append([]Option{WithReason(ReasonInternal)}, options...))
}

func Timeout(msg string, err error, options ...Option) error {
	return newWith(StatusTimeout, msg, err, options)
}

func Forbidden(msg string, err error, options ...Option) error {
	return newWith(StatusForbidden, msg, err, options)
}

func TooManyRequest(msg string, err error, options ...Option) error {
	return newWith(StatusTooManyRequests, msg, err, options)
}

func BadGateway(msg string, err error, options ...Option) error {
	return newWith(StatusBadGateway, msg, err, options)
}

func ServiceUnavailable(msg string, err error, options ...Option) error {
	return newWith(StatusServiceUnavailable, msg, err, options)
}

// From extracts a BaseError from err, mapping context errors and unknown
// errors onto timeout and internal statuses.
func From(err error) BaseError {
	var base BaseError
	if errors.As(err, &base) {
		return base
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return BaseError{Code: StatusTimeout, Message: "deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return BaseError{Code: StatusClientClosedRequest, Message: "request cancelled", Err: err}
	}
	return BaseError{Code: StatusInternal, Reason: ReasonInternal, Message: "internal error", Err: err}
}

// IsRetryable reports whether err is transient: timeouts, throttling and
// upstream 5xx failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return From(err).Retryable()
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason string) bool {
	var base BaseError
	return errors.As(err, &base) && base.Reason == reason
}
