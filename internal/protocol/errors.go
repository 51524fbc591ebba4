package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrAuthCodeRequired = errors.New("protocol: auth code required")
	ErrAddressRequired  = errors.New("protocol: address required")
	ErrUnexpectedToken  = errors.New("protocol: unexpected token")
	ErrShortResponse    = errors.New("protocol: short response")
	ErrInvalidLiteral   = errors.New("protocol: invalid literal")
	ErrLineTooLong      = errors.New("protocol: line too long")
	ErrOutOfOrder       = errors.New("protocol: response out of order")
)

// ErrorKind classifies why an exchange ended early.
type ErrorKind string

const (
	ErrKindNone     ErrorKind = ""
	ErrKindConfig   ErrorKind = "config"
	ErrKindNetwork  ErrorKind = "network"
	ErrKindProtocol ErrorKind = "protocol"
)

// ProtocolError is a soft failure: the peer spoke, but not the dialect.
type ProtocolError struct {
	State State
	Line  string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v state=%s line=%q", e.Err, e.State, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NetworkError wraps a dial, read or write failure.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
