// Package token turns signaling payloads into strings that survive being
// pasted through chat clients, and back.
//
// A token is base64 (standard alphabet, padded) over compact JSON. The codec
// knows nothing about payload contents; callers check version and room.
package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a token cannot be parsed into a well-formed
// payload.
var ErrMalformed = errors.New("malformed token")

// validator is implemented by payloads that can check their own shape.
type validator interface {
	Validate() error
}

// Encode serializes v to a copy-pasteable token.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a token produced by Encode. Surrounding whitespace and line
// breaks inserted by chat clients are ignored. When *T implements
// Validate() error the decoded value is validated as well.
func Decode[T any](tok string) (T, error) {
	var out T

	cleaned := strings.Join(strings.Fields(tok), "")
	if cleaned == "" {
		return out, fmt.Errorf("%w: empty", ErrMalformed)
	}

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Some chat clients strip the trailing padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return out, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	if v, ok := any(&out).(validator); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return out, nil
}
