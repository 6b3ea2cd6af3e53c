package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeIdentity represents tenant/agent resolution failures
	ErrorTypeIdentity ErrorType = "identity"
	// ErrorTypeEngine represents speech-engine connection and protocol errors
	ErrorTypeEngine ErrorType = "engine"
	// ErrorTypeTelephony represents telephony stream errors
	ErrorTypeTelephony ErrorType = "telephony"
	// ErrorTypeAudio represents audio conversion/forwarding errors
	ErrorTypeAudio ErrorType = "audio"
	// ErrorTypePersistence represents transcript/telemetry storage errors
	ErrorTypePersistence ErrorType = "persistence"
	// ErrorTypeBridge represents bridge lifecycle errors
	ErrorTypeBridge ErrorType = "bridge"
	// ErrorTypeFallback represents turn-based pipeline errors
	ErrorTypeFallback ErrorType = "fallback"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Identity Errors

// ErrIdentityUnresolved is returned when no tenant or agent can be found for a call.
// It is terminal: the call cannot be bridged.
type ErrIdentityUnresolved struct {
	*BaseError
	CallID       string
	DialedNumber string
	TenantID     string
}

func NewIdentityUnresolved(callID, dialedNumber, tenantID, reason string, err error) *ErrIdentityUnresolved {
	return &ErrIdentityUnresolved{
		BaseError:    NewBaseError(ErrorTypeIdentity, fmt.Sprintf("cannot resolve identity for call %s: %s", callID, reason), err),
		CallID:       callID,
		DialedNumber: dialedNumber,
		TenantID:     tenantID,
	}
}

// ErrNotFound is the sentinel returned by lookups that found nothing
var ErrNotFound = stderrors.New("not found")

// Engine Errors

// ErrEngineNotReady is returned when audio is sent before the engine acknowledged the conversation
var ErrEngineNotReady = NewBaseError(ErrorTypeEngine, "engine connection not ready", nil)

// ErrEngineConnectFailed is returned when the engine connection cannot be opened
type ErrEngineConnectFailed struct {
	*BaseError
	AgentID string
	Timeout time.Duration
}

func NewEngineConnectFailed(agentID string, timeout time.Duration, err error) *ErrEngineConnectFailed {
	return &ErrEngineConnectFailed{
		BaseError: NewBaseError(ErrorTypeEngine, fmt.Sprintf("failed to connect engine for agent %s", agentID), err),
		AgentID:   agentID,
		Timeout:   timeout,
	}
}

// ErrEngineProtocol is returned when the engine reports an error event
type ErrEngineProtocol struct {
	*BaseError
	Code string
}

func NewEngineProtocol(code, message string) *ErrEngineProtocol {
	return &ErrEngineProtocol{
		BaseError: NewBaseError(ErrorTypeEngine, fmt.Sprintf("engine error: %s", message), nil),
		Code:      code,
	}
}

// ErrEngineClosed is returned when the engine connection closed unexpectedly
type ErrEngineClosed struct {
	*BaseError
	ConversationID string
}

func NewEngineClosed(conversationID string, err error) *ErrEngineClosed {
	return &ErrEngineClosed{
		BaseError:      NewBaseError(ErrorTypeEngine, "engine connection closed", err),
		ConversationID: conversationID,
	}
}

// Telephony Errors

// ErrMalformedFrame is returned when a telephony frame cannot be decoded
type ErrMalformedFrame struct {
	*BaseError
	Event string
}

func NewMalformedFrame(event string, err error) *ErrMalformedFrame {
	return &ErrMalformedFrame{
		BaseError: NewBaseError(ErrorTypeTelephony, fmt.Sprintf("malformed frame: %s", event), err),
		Event:     event,
	}
}

// Audio Errors

// ErrAudioConversion is returned when a single audio chunk cannot be converted
type ErrAudioConversion struct {
	*BaseError
	Direction string
}

func NewAudioConversion(direction string, err error) *ErrAudioConversion {
	return &ErrAudioConversion{
		BaseError: NewBaseError(ErrorTypeAudio, fmt.Sprintf("audio conversion failed (%s)", direction), err),
		Direction: direction,
	}
}

// Persistence Errors

// ErrPersistenceFailed is returned when transcript/telemetry storage fails
type ErrPersistenceFailed struct {
	*BaseError
	CallID string
}

func NewPersistenceFailed(callID string, err error) *ErrPersistenceFailed {
	return &ErrPersistenceFailed{
		BaseError: NewBaseError(ErrorTypePersistence, fmt.Sprintf("failed to persist call %s", callID), err),
		CallID:    callID,
	}
}

// Bridge Errors

// ErrBridgeExists is returned when a bridge already exists for a call
type ErrBridgeExists struct {
	*BaseError
	CallID string
}

func NewBridgeExists(callID string) *ErrBridgeExists {
	return &ErrBridgeExists{
		BaseError: NewBaseError(ErrorTypeBridge, fmt.Sprintf("bridge already exists: %s", callID), nil),
		CallID:    callID,
	}
}

// ErrBridgeNotFound is returned when no bridge exists for a call
type ErrBridgeNotFound struct {
	*BaseError
	CallID string
}

func NewBridgeNotFound(callID string) *ErrBridgeNotFound {
	return &ErrBridgeNotFound{
		BaseError: NewBaseError(ErrorTypeBridge, fmt.Sprintf("bridge not found: %s", callID), nil),
		CallID:    callID,
	}
}

// Fallback Errors

// ErrTurnInProgress is returned when a turn is started while another is running for the same call
type ErrTurnInProgress struct {
	*BaseError
	CallID string
	Phase  string
}

func NewTurnInProgress(callID, phase string) *ErrTurnInProgress {
	return &ErrTurnInProgress{
		BaseError: NewBaseError(ErrorTypeFallback, fmt.Sprintf("turn already in progress for %s (%s)", callID, phase), nil),
		CallID:    callID,
		Phase:     phase,
	}
}

// ErrFallbackStep is returned when one step of the turn pipeline fails
type ErrFallbackStep struct {
	*BaseError
	Step string
}

func NewFallbackStep(step string, err error) *ErrFallbackStep {
	return &ErrFallbackStep{
		BaseError: NewBaseError(ErrorTypeFallback, fmt.Sprintf("%s step failed", step), err),
		Step:      step,
	}
}

// Context Errors

// ErrContextTimeout is returned when context times out
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), nil),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

type typedError interface {
	errorType() ErrorType
}

func (e *BaseError) errorType() ErrorType { return e.Type }

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if te, ok := err.(typedError); ok && te.errorType() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Identity failures are terminal for the call
	if IsErrorType(err, ErrorTypeIdentity) {
		return false
	}
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	// Engine connects, closes and protocol errors are transient
	return IsErrorType(err, ErrorTypeEngine)
}
