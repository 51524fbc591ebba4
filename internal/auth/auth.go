// Package auth checks the shared code agents require before answering.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrCodeMissing  = errors.New("auth: code not configured")
)

// Validator accepts or rejects a presented auth code.
type Validator interface {
	Validate(code string) error
}

// StaticCode accepts exactly one code. An empty configured code rejects
// everything.
type StaticCode struct {
	Code string
}

func (s StaticCode) Validate(code string) error {
	want := strings.TrimSpace(s.Code)
	if want == "" {
		return ErrCodeMissing
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(code))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(code string) error

func (f FuncValidator) Validate(code string) error {
	return f(code)
}

// Redact masks a code for log lines, keeping only its length.
func Redact(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "<empty>"
	}
	return strings.Repeat("*", len(code))
}
