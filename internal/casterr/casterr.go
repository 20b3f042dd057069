package casterr

import "fmt"

// Code identifies a failure category. Values match the wire-level error
// identifiers used by receiver devices.
type Code string

const (
	SessionError        Code = "session_error"
	Timeout             Code = "timeout"
	InvalidParameter    Code = "invalid_parameter"
	LoadMediaFailed     Code = "load_media_failed"
	ReceiverUnavailable Code = "receiver_unavailable"
	Cancel              Code = "cancel"
	ChannelError        Code = "channel_error"
)

// Error is a structured device-control failure. Details carries the
// response message (or request) that produced the error, when available.
type Error struct {
	Code        Code
	Description string
	Details     any
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// New creates an Error with the given code and description.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// CodeOf returns the code of err if it is an *Error, or ChannelError
// otherwise.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ChannelError
}

// responseCodes maps response `type` discriminators to error codes.
// The first group are error types receivers report under their own name;
// the second are device-reported types folded into the nearest category.
var responseCodes = map[string]Code{
	"SESSION_ERROR":     SessionError,
	"TIMEOUT":           Timeout,
	"INVALID_PARAMETER": InvalidParameter,
	"LOAD_MEDIA_FAILED": LoadMediaFailed,
	"CANCEL":            Cancel,

	"LAUNCH_ERROR":         ReceiverUnavailable,
	"LOAD_CANCELLED":       Cancel,
	"LOAD_FAILED":          LoadMediaFailed,
	"INVALID_PLAYER_STATE": InvalidParameter,
	"INVALID_REQUEST":      InvalidParameter,
}

// Check classifies a response by its type discriminator. It returns a
// structured error for known error types and nil for ordinary responses.
func Check(msgType, reason string, details any) *Error {
	code, ok := responseCodes[msgType]
	if !ok {
		return nil
	}
	return &Error{Code: code, Description: reason, Details: details}
}
