package tag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies infrastructure errors raised around tag access.
type ErrorCode int

const (
	ErrCodeNotConnected ErrorCode = iota + 100
	ErrCodeCharacteristicNotFound
	ErrCodeTimeout
	ErrCodeServiceUnavailable
	ErrCodeUnknownDevice
	ErrCodeInvalidPayload
)

// Sentinel errors.
var (
	// ErrClosed is returned by operations on a connection after Close.
	ErrClosed = errors.New("tag connection closed")
)

// Error carries structured context for failures in the hardware and IPC
// layers. Core connection operations never return it; they report typed
// outcomes instead.
type Error struct {
	Code     ErrorCode
	Op       string // Operation that failed (e.g. "ReadCharacteristic")
	DeviceID string // Optional: tag involved
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.DeviceID != "" {
		sb.WriteString("[")
		sb.WriteString(e.DeviceID)
		sb.WriteString("] ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewNotConnectedError reports a device with no GATT session.
func NewNotConnectedError(op, deviceID string) *Error {
	return &Error{Code: ErrCodeNotConnected, Op: op, DeviceID: deviceID, Message: "device not connected"}
}

// NewCharacteristicNotFoundError reports a characteristic missing from the
// device's GATT table.
func NewCharacteristicNotFoundError(op, deviceID, charID string) *Error {
	return &Error{
		Code:     ErrCodeCharacteristicNotFound,
		Op:       op,
		DeviceID: deviceID,
		Message:  fmt.Sprintf("characteristic %s not found", charID),
	}
}

func NewTimeoutError(op, deviceID string) *Error {
	return &Error{Code: ErrCodeTimeout, Op: op, DeviceID: deviceID, Message: "operation timed out"}
}

func NewServiceUnavailableError(op string, cause error) *Error {
	return &Error{Code: ErrCodeServiceUnavailable, Op: op, Message: "tag service unavailable", Cause: cause}
}

func NewUnknownDeviceError(op, deviceID string) *Error {
	return &Error{Code: ErrCodeUnknownDevice, Op: op, DeviceID: deviceID, Message: "unknown device"}
}

func NewInvalidPayloadError(op string, cause error) *Error {
	return &Error{Code: ErrCodeInvalidPayload, Op: op, Message: "invalid payload", Cause: cause}
}

// GetErrorCode extracts the ErrorCode from err, or 0 when err is not an *Error.
func GetErrorCode(err error) ErrorCode {
	var tagErr *Error
	if errors.As(err, &tagErr) {
		return tagErr.Code
	}
	return 0
}

func IsNotConnectedError(err error) bool       { return GetErrorCode(err) == ErrCodeNotConnected }
func IsTimeoutError(err error) bool            { return GetErrorCode(err) == ErrCodeTimeout }
func IsServiceUnavailableError(err error) bool { return GetErrorCode(err) == ErrCodeServiceUnavailable }
func IsUnknownDeviceError(err error) bool      { return GetErrorCode(err) == ErrCodeUnknownDevice }
