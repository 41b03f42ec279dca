package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for changelog operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeOutOfOrder      ErrorCode = 1001

	// Storage errors
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeEncoding            ErrorCode = 2001
	ErrCodeIO                  ErrorCode = 2002
	ErrCodePositionUnavailable ErrorCode = 2003
	ErrCodeClosed              ErrorCode = 2004
	ErrCodeDiskFull            ErrorCode = 2005
)

// ChangelogError represents a structured error with code and context
type ChangelogError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ChangelogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ChangelogError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts ChangelogError to gRPC status
func (e *ChangelogError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ChangelogError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeOutOfOrder:
		return codes.FailedPrecondition
	case ErrCodeEncoding:
		return codes.DataLoss
	case ErrCodePositionUnavailable:
		return codes.OutOfRange
	case ErrCodeClosed:
		return codes.Unavailable
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// NewChangelogError creates a new ChangelogError
func NewChangelogError(code ErrorCode, message string, cause error) *ChangelogError {
	return &ChangelogError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ChangelogError) WithDetail(key string, value interface{}) *ChangelogError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeInvalidArgument, message, cause)
}

func OutOfOrder(key, newest fmt.Stringer) *ChangelogError {
	return NewChangelogError(ErrCodeOutOfOrder,
		fmt.Sprintf("key %s is not after newest key %s", key, newest), nil).
		WithDetail("key", key.String()).
		WithDetail("newest", newest.String())
}

// Encoding reports bytes that could not be decoded into a record.
func Encoding(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeEncoding, message, cause)
}

// IOFailure reports a filesystem failure.
func IOFailure(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeIO, message, cause)
}

// PositionUnavailable reports a cursor whose segment was purged or cleared
// before it was fully read.
func PositionUnavailable(segment string) *ChangelogError {
	return NewChangelogError(ErrCodePositionUnavailable,
		fmt.Sprintf("cursor position in segment %s is no longer available", segment), nil).
		WithDetail("segment", segment)
}

func Closed(what string) *ChangelogError {
	return NewChangelogError(ErrCodeClosed, fmt.Sprintf("%s is closed", what), nil)
}

func DiskFull(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeDiskFull, message, cause)
}

func InternalError(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeInternal, message, cause)
}

// IsChangelogError checks if an error is a ChangelogError
func IsChangelogError(err error) bool {
	var ce *ChangelogError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error, ErrCodeInternal if it carries none
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *ChangelogError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

func IsEncoding(err error) bool {
	return err != nil && GetCode(err) == ErrCodeEncoding
}

func IsIOFailure(err error) bool {
	return err != nil && GetCode(err) == ErrCodeIO
}

func IsPositionUnavailable(err error) bool {
	return err != nil && GetCode(err) == ErrCodePositionUnavailable
}

func IsClosed(err error) bool {
	return err != nil && GetCode(err) == ErrCodeClosed
}

func IsOutOfOrder(err error) bool {
	return err != nil && GetCode(err) == ErrCodeOutOfOrder
}

// ToGRPCStatus converts any error to a gRPC status
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var ce *ChangelogError
	if stderrors.As(err, &ce) {
		return ce.ToGRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}
