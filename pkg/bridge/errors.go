package bridge

// Error codes carried by *Error.
const (
	CodeMalformedMessage = "MALFORMED_MESSAGE"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeAlreadyCompleted = "ALREADY_COMPLETED"
	CodeStaleReply       = "STALE_REPLY"
	CodeDuplicateCallID  = "DUPLICATE_CALL_ID"
	CodeRejected         = "REJECTED"
	CodeTransportError   = "TRANSPORT_ERROR"
	CodeRequestTimeout   = "REQUEST_TIMEOUT"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrMalformedMessage = &Error{Code: CodeMalformedMessage}
	ErrUnknownCommand   = &Error{Code: CodeUnknownCommand}
	ErrAlreadyCompleted = &Error{Code: CodeAlreadyCompleted}
	ErrStaleReply       = &Error{Code: CodeStaleReply}
	ErrDuplicateCallID  = &Error{Code: CodeDuplicateCallID}
	ErrRejected         = &Error{Code: CodeRejected}
	ErrTransport        = &Error{Code: CodeTransportError}
	ErrRequestTimeout   = &Error{Code: CodeRequestTimeout}
)

// Error is a structured bridge error.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
