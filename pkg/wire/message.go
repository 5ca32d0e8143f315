package wire

import (
	"errors"
	"fmt"
)

// Envelope field names, identical in both directions.
const (
	FieldName         = "name"
	FieldData         = "data"
	FieldCallID       = "callId"
	FieldStatus       = "status"
	FieldErrorMessage = "errorMessage"
)

// Status marks a message as a reply. Calls carry StatusNone.
type Status string

const (
	StatusNone     Status = ""
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
)

// Message is one envelope on the wire. It is a call when Status is empty
// and a reply otherwise. An empty CallID on a call means nobody waits for the result.
type Message struct {
	Name         string
	Data         Value
	CallID       string
	Status       Status
	ErrorMessage string
}

// NewCall builds a call envelope.
func NewCall(name string, data Value, callID string) *Message {
	return &Message{Name: name, Data: data, CallID: callID}
}

// NewResolved builds a resolved reply for callID.
func NewResolved(name, callID string, data Value) *Message {
	return &Message{Name: name, Data: data, CallID: callID, Status: StatusResolved}
}

// NewRejected builds a rejected reply for callID.
func NewRejected(name, callID, errorMessage string) *Message {
	return &Message{Name: name, CallID: callID, Status: StatusRejected, ErrorMessage: errorMessage}
}

// IsReply reports whether m completes an earlier call.
func (m *Message) IsReply() bool { return m.Status != StatusNone }

// ExpectsReply reports whether m is a call whose sender waits for a result.
func (m *Message) ExpectsReply() bool { return !m.IsReply() && m.CallID != "" }

// ErrMalformedMessage matches every *MalformedError.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError describes an inbound payload that does not decode into a Message.
type MalformedError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	msg := "malformed message"
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error { return e.Cause }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedMessage }

func malformed(field, reason string, cause error) *MalformedError {
	return &MalformedError{Field: field, Reason: reason, Cause: cause}
}

// fromFields validates a generic decoded envelope. Null optional fields count as absent.
func fromFields(raw any) (*Message, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed("", fmt.Sprintf("envelope is %T, want object", raw), nil)
	}

	m := &Message{}
	var err error
	if m.Name, err = optionalString(fields, FieldName); err != nil {
		return nil, err
	}
	if m.CallID, err = optionalString(fields, FieldCallID); err != nil {
		return nil, err
	}
	if m.ErrorMessage, err = optionalString(fields, FieldErrorMessage); err != nil {
		return nil, err
	}
	status, err := optionalString(fields, FieldStatus)
	if err != nil {
		return nil, err
	}
	switch Status(status) {
	case StatusNone, StatusResolved, StatusRejected:
		m.Status = Status(status)
	default:
		return nil, malformed(FieldStatus, fmt.Sprintf("unknown status %q", status), nil)
	}

	if data, ok := fields[FieldData]; ok {
		if m.Data, err = FromAny(data); err != nil {
			return nil, malformed(FieldData, "not a structured value", err)
		}
	}

	if m.IsReply() && m.CallID == "" {
		return nil, malformed(FieldCallID, "reply without call id", nil)
	}
	if !m.IsReply() && m.Name == "" {
		return nil, malformed(FieldName, "call without command name", nil)
	}
	return m, nil
}

func optionalString(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", malformed(key, fmt.Sprintf("is %T, want string", v), nil)
	}
	return s, nil
}
