package voice

import (
	"fmt"
	"time"
)

// Error codes as constants
const (
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeNotConnected     = "NOT_CONNECTED"
	ErrCodeInsecureEndpoint = "INSECURE_ENDPOINT"
	ErrCodeHostUnavailable  = "HOST_UNAVAILABLE"
	ErrCodeNoDevice         = "NO_DEVICE_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeCaptureFailed    = "CAPTURE_FAILED"
	ErrCodePlayback         = "PLAYBACK_ERROR"
	ErrCodeSessionError     = "SESSION_ERROR"
	ErrCodeSessionActive    = "SESSION_ACTIVE"
	ErrCodeJSONParse        = "JSON_PARSE_ERROR"
	ErrCodeAudioDecode      = "AUDIO_DECODE_ERROR"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeTokenFailed      = "TOKEN_GENERATION_FAILED"
	ErrCodeMissingAPIKey    = "MISSING_API_KEY"
	ErrCodeInvalidAPIKey    = "INVALID_API_KEY_FORMAT"
	ErrCodeUnknown          = "UNKNOWN_ERROR"
)

// VoiceError represents an SDK error with a stable string code plus
// free-form details for logging.
type VoiceError struct {
	Message   string
	Code      string
	Timestamp float64
	Details   map[string]interface{}
	err       error
}

func (e *VoiceError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.Message
}

func (e *VoiceError) Unwrap() error {
	return e.err
}

func NewVoiceError(message, code string) *VoiceError {
	return &VoiceError{
		Message:   message,
		Code:      code,
		Timestamp: float64(time.Now().UnixMilli()),
	}
}

// WrapError wraps any error as a VoiceError, preserving the original for
// errors.Is/As chains.
func WrapError(err error, code string) *VoiceError {
	if err == nil {
		return nil
	}
	vErr := NewVoiceError(err.Error(), code)
	vErr.err = err
	return vErr
}

func (e *VoiceError) AddDetail(key string, value interface{}) *VoiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *VoiceError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// IsErrorCode reports whether err is a *VoiceError carrying the given code.
func IsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if vErr, ok := err.(*VoiceError); ok {
		return vErr.Code == code
	}
	return false
}

// Specific error creators with common codes
func NewConnectionError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodeConnectionFailed)
}

func NewInsecureEndpointError(endpoint string) *VoiceError {
	return NewVoiceError(
		fmt.Sprintf("plain ws:// endpoint %q requires a loopback host; use wss://", endpoint),
		ErrCodeInsecureEndpoint,
	).AddDetail("endpoint", endpoint)
}

func NewCaptureError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodeCaptureFailed)
}

func NewPlaybackError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodePlayback)
}

func NewConfigError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodeConfigInvalid)
}

func NewJSONError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodeJSONParse)
}

// IsTerminalError reports whether the error kind ends the current session.
// Only malformed protocol messages are absorbed; everything else is terminal.
func IsTerminalError(err *VoiceError) bool {
	if err == nil {
		return false
	}
	return err.Code != ErrCodeJSONParse && err.Code != ErrCodeAudioDecode
}
