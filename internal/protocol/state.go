package protocol

import (
	"fmt"
	"strings"

	"github.com/danmuck/fleetctl/internal/inventory"
)

// State is the client's position in the handshake.
type State int

const (
	StateInit State = iota
	StateAwaitAuthAck
	StateAwaitMaster
	StateAwaitVersion
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitAuthAck:
		return "await_auth_ack"
	case StateAwaitMaster:
		return "await_master"
	case StateAwaitVersion:
		return "await_version"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// machine is the transport-free handshake interpreter.
type machine struct {
	state  State
	vector inventory.StatusVector
}

func newMachine() *machine {
	return &machine{state: StateInit, vector: inventory.DefaultStatusVector()}
}

// start returns the opening command.
func (m *machine) start(code string) string {
	m.state = StateAwaitAuthAck
	return AuthCommand(code)
}

// feed interprets one agent line and returns the reply to send, if any.
// A non-nil error is always a *ProtocolError and always leaves state Done.
func (m *machine) feed(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != TokenOK {
		return "", m.fail(line, ErrUnexpectedToken)
	}
	if len(fields) < 2 {
		m.state = StateDone
		return "", nil
	}
	switch fields[1] {
	case TokenBye:
		m.state = StateDone
		return "", nil
	case TokenAck:
	default:
		return "", m.fail(line, ErrUnexpectedToken)
	}
	if len(fields) < 3 {
		return "", m.fail(line, ErrShortResponse)
	}

	switch fields[2] {
	case SubjectAuth:
		if m.state != StateAwaitAuthAck {
			return "", m.fail(line, ErrOutOfOrder)
		}
		m.state = StateAwaitMaster
		return ExportMasterCommand, nil
	case SubjectMaster:
		if m.state != StateAwaitMaster {
			return "", m.fail(line, ErrOutOfOrder)
		}
		if len(fields) < 4 {
			return "", m.fail(line, ErrShortResponse)
		}
		status, err := ParseLiteral(strings.Join(fields[3:], " "))
		if err != nil {
			m.vector.Status = err.Error()
			return "", m.fail(line, err)
		}
		m.vector.Status = status
		m.state = StateAwaitVersion
		return GetVersionCommand, nil
	case SubjectVersion:
		if m.state != StateAwaitVersion {
			return "", m.fail(line, ErrOutOfOrder)
		}
		if len(fields) < 4 {
			return "", m.fail(line, ErrShortResponse)
		}
		m.vector.Version = fields[3]
		m.state = StateDone
		return ExitCommand, nil
	default:
		return "", m.fail(line, ErrUnexpectedToken)
	}
}

func (m *machine) fail(line string, err error) error {
	perr := &ProtocolError{State: m.state, Line: line, Err: err}
	m.state = StateDone
	return perr
}
