// Package errors provides the structured error taxonomy shared by the FTPS client,
// the filesystem engine and the mount service.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for ftpsdrive operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection errors
	ErrCodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	ErrCodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrCodeHostUnreachable   ErrorCode = "CONNECTION_HOST_UNREACHABLE"
	ErrCodePoolClosed        ErrorCode = "CONNECTION_POOL_CLOSED"
	ErrCodeTLSHandshake      ErrorCode = "CONNECTION_TLS_HANDSHAKE"
	ErrCodeCertificateChange ErrorCode = "CONNECTION_CERTIFICATE_CHANGED"

	// Remote filesystem errors
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeNameCollision  ErrorCode = "NAME_COLLISION"
	ErrCodeDiskFull       ErrorCode = "DISK_FULL"
	ErrCodeNotImplemented ErrorCode = "NOT_IMPLEMENTED_BY_SERVER"
	ErrCodeProtocol       ErrorCode = "PROTOCOL_ERROR"

	// Mount errors
	ErrCodeMountFailed    ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed  ErrorCode = "UNMOUNT_FAILED"
	ErrCodeAlreadyMounted ErrorCode = "MOUNT_ALREADY_ACTIVE"

	// State errors
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Authentication errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeCredentialsMissing   ErrorCode = "CREDENTIALS_MISSING"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryRemote        ErrorCategory = "remote"
	CategoryMount         ErrorCategory = "mount"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// DriveError represents a structured error with context and metadata.
type DriveError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// ReplyCode is the FTP reply code that produced the error, zero when the
	// failure did not come from a server reply.
	ReplyCode int `json:"reply_code,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Server    string `json:"server,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *DriveError) Error() string {
	msg := e.Message
	if e.ReplyCode != 0 {
		msg = fmt.Sprintf("%s (reply %d)", msg, e.ReplyCode)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DriveError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DriveError) Is(target error) bool {
	if driveErr, ok := target.(*DriveError); ok {
		return e.Code == driveErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DriveError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.ReplyCode != 0 {
		parts = append(parts, fmt.Sprintf("Reply=%d", e.ReplyCode))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Server != "" {
		parts = append(parts, fmt.Sprintf("Server=%s", e.Server))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DriveError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values.
func NewError(code ErrorCode, message string) *DriveError {
	return &DriveError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(code ErrorCode, message string, cause error) *DriveError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_"):
		return CategoryConnection
	case codeStr == "NOT_FOUND" || strings.HasPrefix(codeStr, "ACCESS_") ||
		strings.HasPrefix(codeStr, "NAME_") || strings.HasPrefix(codeStr, "DISK_") ||
		strings.HasPrefix(codeStr, "NOT_IMPLEMENTED") || strings.HasPrefix(codeStr, "PROTOCOL_"):
		return CategoryRemote
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "UNMOUNT_"):
		return CategoryMount
	case strings.HasPrefix(codeStr, "INVALID_STATE") || strings.HasPrefix(codeStr, "NOT_INITIALIZED"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	case strings.HasPrefix(codeStr, "AUTHENTICATION_") || strings.HasPrefix(codeStr, "CREDENTIALS_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionLost:    true,
		ErrCodeConnectionRefused: true,
		ErrCodeHostUnreachable:   true,
		ErrCodeTLSHandshake:      true,
		ErrCodeOperationTimeout:  true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:        true,
		ErrCodeConfigValidation:     true,
		ErrCodeNotFound:             true,
		ErrCodeAccessDenied:         true,
		ErrCodeNameCollision:        true,
		ErrCodeDiskFull:             true,
		ErrCodeMountFailed:          true,
		ErrCodeOperationTimeout:     true,
		ErrCodeAuthenticationFailed: true,
		ErrCodeCredentialsMissing:   true,
		ErrCodeCertificateChange:    true,
	}
	return userFacingCodes[code]
}

// CodeOf returns the code of the first DriveError in err's chain, or the
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var driveErr *DriveError
	if stderrors.As(err, &driveErr) {
		return driveErr.Code
	}
	return ""
}

// ReplyCodeOf returns the FTP reply code carried by err, or zero.
func ReplyCodeOf(err error) int {
	var driveErr *DriveError
	if stderrors.As(err, &driveErr) {
		return driveErr.ReplyCode
	}
	return 0
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is a DriveError marked retryable.
func IsRetryable(err error) bool {
	var driveErr *DriveError
	if stderrors.As(err, &driveErr) {
		return driveErr.Retryable
	}
	return false
}

// CaptureStack returns up to ten frames of the current stack, one per line.
// skip 0 starts at the caller of CaptureStack.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *DriveError) WithContext(key, value string) *DriveError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *DriveError) WithDetail(key string, value interface{}) *DriveError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DriveError) WithComponent(component string) *DriveError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DriveError) WithOperation(operation string) *DriveError {
	e.Operation = operation
	return e
}

// WithServer records the server the error came from
func (e *DriveError) WithServer(server string) *DriveError {
	e.Server = server
	return e
}

// WithReplyCode attaches the FTP reply code
func (e *DriveError) WithReplyCode(code int) *DriveError {
	e.ReplyCode = code
	return e
}

// WithCause sets the underlying cause
func (e *DriveError) WithCause(cause error) *DriveError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *DriveError) WithStack() *DriveError {
	e.Stack = CaptureStack(1)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *DriveError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConnectionLost: "The control connection dropped. " +
			"The drive reconnects automatically; check the server or bouncer if this repeats.",
		ErrCodeConnectionRefused: "The server refused the connection. " +
			"Verify host, port and any SOCKS proxy settings.",
		ErrCodeHostUnreachable: "The server is shutting down or unreachable (reply 421). " +
			"Retry later or check the site status.",
		ErrCodeTLSHandshake: "TLS negotiation failed. " +
			"Try enabling prefer_tls12 for servers with broken TLS 1.3 session tickets.",
		ErrCodeCertificateChange: "The server certificate no longer matches the pinned fingerprint. " +
			"Remove the entry from the fingerprint file if the change is expected.",
		ErrCodeNotFound:     "The remote path does not exist.",
		ErrCodeAccessDenied: "The server rejected the operation. Check the account's site permissions.",
		ErrCodeDiskFull:     "The server reports no space left or a quota limit.",
		ErrCodeNotImplemented: "The server does not support this command. " +
			"Check whether the site requires CPSV through a bouncer.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeConfigValidation: "Fix the field named above in the configuration file, " +
			"then run ftpsdrive check again.",
		ErrCodeOperationTimeout: "Operation took too long to complete. " +
			"Consider increasing list_timeout or checking server responsiveness.",
		ErrCodeMountFailed: "Failed to mount filesystem. " +
			"Check mount point permissions and ensure FUSE or WinFsp is installed.",
		ErrCodeAuthenticationFailed: "Login failed (reply 530). " +
			"Verify username and password, and that your IP is added on the site.",
		ErrCodeCredentialsMissing: "No password found. " +
			"Set FTPSDRIVE_PASSWORD or configure password_file for the server.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details and consult the documentation."
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *DriveError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred. Please check the log for details."
	}

	messages := map[ErrorCode]string{
		ErrCodeNotFound:             "File not found",
		ErrCodeAccessDenied:         "Access denied by server",
		ErrCodeNameCollision:        "A file with that name already exists",
		ErrCodeDiskFull:             "Server is out of space",
		ErrCodeInvalidConfig:        "Invalid configuration",
		ErrCodeOperationTimeout:     "Operation timed out",
		ErrCodeMountFailed:          "Failed to mount drive",
		ErrCodeAuthenticationFailed: "Authentication failed",
		ErrCodeCredentialsMissing:   "Password not configured",
		ErrCodeCertificateChange:    "Server certificate changed",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}

	return e.Message
}

// DetailedDiagnostic returns a comprehensive diagnostic message
func (e *DriveError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.UserFacingMessage()))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.ReplyCode != 0 {
		parts = append(parts, fmt.Sprintf("Reply: %d", e.ReplyCode))
	}
	if e.Server != "" {
		parts = append(parts, fmt.Sprintf("Server: %s", e.Server))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}

	recommendation := e.GetRecommendation()
	if recommendation != "" {
		parts = append(parts, "\nRecommendation:")
		parts = append(parts, "  "+recommendation)
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
