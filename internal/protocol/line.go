package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	CmdAuth   = "auth"
	CmdExport = "export"
	CmdGet    = "get"
	CmdExit   = "exit"
	CmdQuit   = "quit"
	CmdPing   = "ping"

	SubjectAuth    = "auth"
	SubjectMaster  = "master"
	SubjectVersion = "version"

	TokenOK  = "+OK"
	TokenErr = "-ERR"
	TokenAck = "ack"
	TokenBye = "bye!"
)

var (
	ExportMasterCommand = CmdExport + " " + SubjectMaster
	GetVersionCommand   = CmdGet + " " + SubjectVersion
	ExitCommand         = CmdExit
)

func AuthCommand(code string) string {
	return CmdAuth + " " + strings.TrimSpace(code)
}

// AckLine formats an agent acknowledgement such as "+OK ack version 1.2.3".
func AckLine(subject, value string) string {
	if value == "" {
		return TokenOK + " " + TokenAck + " " + subject
	}
	return TokenOK + " " + TokenAck + " " + subject + " " + value
}

// ParseLiteral decodes a JSON literal, falling back to bool-like words.
func ParseLiteral(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidLiteral
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v, nil
	}
	switch strings.ToLower(raw) {
	case "true", "yes", "on":
		return true, nil
	case "false", "no", "off":
		return false, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidLiteral, raw)
}

// readLine returns one line without its terminator. A final line without a
// newline is returned together with io.EOF.
func readLine(r *bufio.Reader, max int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > max {
			return "", fmt.Errorf("%w: limit=%d", ErrLineTooLong, max)
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return strings.TrimRight(string(buf), "\r\n"), err
	}
}
