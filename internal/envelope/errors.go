package envelope

import (
	"errors"
	"strconv"
)

var (
	// ErrUnknownType is returned when the discriminant is not a known kind.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrMalformedEnvelope is returned when a frame cannot be parsed or a
	// field required by its kind is missing or has the wrong shape.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// DecodeError describes why a frame could not be turned into an Envelope.
// It unwraps to ErrUnknownType or ErrMalformedEnvelope.
type DecodeError struct {
	Kind    error  // ErrUnknownType or ErrMalformedEnvelope
	Type    string // discriminant as received, if any
	Field   string // offending field, if known
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is lets errors.Is match the sentinel kind.
func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func unknownType(t string) error {
	return &DecodeError{Kind: ErrUnknownType, Type: t, Message: "type " + strconv.Quote(t)}
}

func malformed(t, field, msg string, cause error) error {
	return &DecodeError{Kind: ErrMalformedEnvelope, Type: t, Field: field, Message: msg, Cause: cause}
}
