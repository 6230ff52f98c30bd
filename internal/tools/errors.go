package tools

import (
	"errors"
	"fmt"
	"net/http"

	"stas-mcp-bridge/internal/gateway"
)

// Code is the stable error code surfaced to agents.
type Code string

const (
	CodeInvalidParams    Code = "InvalidParams"
	CodeUserIDRequired   Code = "UserIdRequired"
	CodeConflict         Code = "Conflict"
	CodeGwUnavailable    Code = "GwUnavailable"
	CodeGwBadResponse    Code = "GwBadResponse"
	CodeUnknownTool      Code = "UnknownTool"
	CodeResourceNotFound Code = "ResourceNotFound"
)

// Error is a tool failure with a stable code and optional structured data.
type Error struct {
	Code    Code
	Message string
	Data    map[string]any
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the tool error code in err's chain, or "" for foreign errors.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func userIDRequired() *Error {
	return &Error{
		Code:    CodeUserIDRequired,
		Message: "user_id is required; call session.set_user_id(user_id)",
	}
}

// fromGateway maps gateway failures onto tool codes. A 409 becomes Conflict
// carrying the current etag when the gateway reported one.
func fromGateway(err error) error {
	if errors.Is(err, gateway.ErrUnavailable) {
		return &Error{Code: CodeGwUnavailable, Message: "gateway unavailable", Err: err}
	}

	var bad *gateway.BadResponseError
	if errors.As(err, &bad) {
		if bad.StatusCode == http.StatusConflict {
			var current any
			if etag, ok := gateway.ConflictETag(bad.Payload); ok {
				current = etag
			}
			return &Error{
				Code:    CodeConflict,
				Message: "Plan update conflict",
				Data:    map[string]any{"etag_current": current},
				Err:     err,
			}
		}
		var status any
		if bad.StatusCode != 0 {
			status = bad.StatusCode
		}
		return &Error{
			Code:    CodeGwBadResponse,
			Message: "gateway returned bad response",
			Data:    map[string]any{"status": status},
			Err:     err,
		}
	}
	return err
}
