package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Codec converts envelopes to and from wire frames.
type Codec interface {
	// Name identifies the codec in configuration ("json", "msgpack").
	Name() string
	// Binary reports whether frames should be sent as binary messages.
	Binary() bool
	Encode(e Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

// ErrUnknownCodec is returned by ForName for unsupported codec names.
var ErrUnknownCodec = errors.New("unknown codec")

// ForName returns the codec registered under name.
func ForName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that e carries a known discriminant and every field its
// kind requires.
func Validate(e Envelope) error {
	if !e.Type.Valid() {
		return unknownType(string(e.Type))
	}
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return malformed(string(e.Type), strings.ToLower(fe.Field()), describe(fe), nil)
	}
	return malformed(string(e.Type), "", "", err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "field is required"
	case "max":
		return "longer than " + fe.Param() + " characters"
	}
	return "failed " + fe.Tag()
}
