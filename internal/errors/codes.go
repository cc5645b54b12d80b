package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Outcome codes. These never fail a pass; they describe why a unit of
	// work was a no-op.
	ErrCodeStaleWrite ErrorCode = 100
	ErrCodeNotDue     ErrorCode = 101

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodePeerUnavailable    ErrorCode = 2001
	ErrCodeStorageIO          ErrorCode = 2002
	ErrCodeAccountUnreachable ErrorCode = 2003
	ErrCodeCorruptedData      ErrorCode = 2004
	ErrCodeDiskFull           ErrorCode = 2005
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeStaleWrite:
		return codes.AlreadyExists
	case ErrCodeNotDue:
		return codes.FailedPrecondition
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodePeerUnavailable, ErrCodeAccountUnreachable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(what string) *StorageError {
	return NewStorageError(ErrCodeNotFound, fmt.Sprintf("not found: %s", what), nil).
		WithDetail("resource", what)
}

func StaleWrite(path string, incoming, existing fmt.Stringer) *StorageError {
	return NewStorageError(ErrCodeStaleWrite,
		fmt.Sprintf("stale write to %s: %s is not newer than %s", path, incoming, existing), nil).
		WithDetail("path", path)
}

func NotDue(path string, deleteAt fmt.Stringer) *StorageError {
	return NewStorageError(ErrCodeNotDue, fmt.Sprintf("%s is not due until %s", path, deleteAt), nil).
		WithDetail("path", path)
}

func PeerUnavailable(peer string, cause error) *StorageError {
	return NewStorageError(ErrCodePeerUnavailable, fmt.Sprintf("peer %s unavailable", peer), cause).
		WithDetail("peer", peer)
}

func StorageIO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStorageIO, message, cause)
}

func AccountUnreachable(account string, cause error) *StorageError {
	return NewStorageError(ErrCodeAccountUnreachable, fmt.Sprintf("account tier unreachable for %s", account), cause).
		WithDetail("account", account)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func DiskFull(device string, usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("device %s full: %.2f%% used", device, usagePercent), nil).
		WithDetail("device", device).
		WithDetail("usage_percent", usagePercent)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

// FromGRPC converts an error returned by a gRPC call against peer. Transport
// failures become PeerUnavailable so callers can abandon the peer for the
// current pass.
func FromGRPC(peer string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return PeerUnavailable(peer, err)
	}
	switch st.Code() {
	case codes.Canceled:
		return err
	case codes.NotFound:
		return NewStorageError(ErrCodeNotFound, st.Message(), err).WithDetail("peer", peer)
	case codes.InvalidArgument:
		return NewStorageError(ErrCodeInvalidArgument, st.Message(), err).WithDetail("peer", peer)
	case codes.ResourceExhausted:
		return NewStorageError(ErrCodeDiskFull, st.Message(), err).WithDetail("peer", peer)
	default:
		return PeerUnavailable(peer, err)
	}
}

// ToGRPC converts any error to a gRPC status error for handlers.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

func IsPeerUnavailable(err error) bool {
	return GetCode(err) == ErrCodePeerUnavailable
}

func IsStorageIO(err error) bool {
	return GetCode(err) == ErrCodeStorageIO
}

func IsAccountUnreachable(err error) bool {
	return GetCode(err) == ErrCodeAccountUnreachable
}

func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeNotFound
}
