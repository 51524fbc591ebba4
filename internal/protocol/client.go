package protocol

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/fleetctl/internal/inventory"
	logs "github.com/danmuck/fleetctl/internal/logging"
	"github.com/danmuck/fleetctl/internal/protocol/session"
)

// QueryResult is the full outcome of one agent exchange.
type QueryResult struct {
	Address  string
	Vector   inventory.StatusVector
	State    State
	Kind     ErrorKind
	Err      error
	Duration time.Duration
}

// Client queries agents for their master status and version.
type Client struct {
	cfg session.Config
}

// NewClient constructs a client; zero config fields take session defaults.
func NewClient(cfg session.Config) *Client {
	return &Client{cfg: cfg.WithDefaults()}
}

// Config returns the effective transport settings.
func (c *Client) Config() session.Config {
	return c.cfg
}

// QueryHost runs one handshake and returns the resulting vector.
func (c *Client) QueryHost(ctx context.Context, address, authCode string) inventory.StatusVector {
	return c.Query(ctx, address, authCode).Vector
}

// Query runs one handshake. It never panics and never returns an error;
// the cause of an early stop is reported in Kind/Err.
func (c *Client) Query(ctx context.Context, address, authCode string) (res QueryResult) {
	start := time.Now()
	res = QueryResult{
		Address: strings.TrimSpace(address),
		Vector:  inventory.DefaultStatusVector(),
		State:   StateInit,
	}
	defer func() {
		if r := recover(); r != nil {
			res.Kind = ErrKindProtocol
			res.Err = fmt.Errorf("protocol: exchange aborted: %v", r)
			res.Vector.Status = res.Err.Error()
		}
		res.State = StateDone
		res.Duration = time.Since(start)
		if res.Err != nil {
			logs.Debugf(
				"protocol.Client.Query address=%q kind=%s err=%v duration=%s",
				res.Address, res.Kind, res.Err, res.Duration,
			)
		}
	}()

	code := strings.TrimSpace(authCode)
	if code == "" {
		res.Kind, res.Err = ErrKindConfig, ErrAuthCodeRequired
		return res
	}
	target, host, err := c.target(res.Address)
	if err != nil {
		res.Kind, res.Err = ErrKindConfig, err
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Kind, res.Err = ErrKindNetwork, err
		res.Vector.Status = err.Error()
		return res
	}

	conn, err := c.dial(ctx, target, host)
	if err != nil {
		res.Kind, res.Err = ErrKindNetwork, &NetworkError{Op: "dial", Addr: target, Err: err}
		res.Vector.Status = err.Error()
		return res
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ex := &exchange{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		cfg:      c.cfg,
		deadline: time.Now().Add(c.cfg.ExchangeTimeout),
	}
	m := newMachine()
	kind, err := ex.run(m, code)
	res.Vector = m.vector
	if err != nil {
		if kind == ErrKindNetwork {
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
			}
			res.Vector.Status = err.Error()
			err = &NetworkError{Op: "exchange", Addr: target, Err: err}
		}
		res.Kind, res.Err = kind, err
	}
	return res
}

// target resolves address to host:port, defaulting the agent port.
func (c *Client) target(address string) (string, string, error) {
	if address == "" {
		return "", "", ErrAddressRequired
	}
	if host, _, err := net.SplitHostPort(address); err == nil {
		return address, host, nil
	}
	host := strings.Trim(address, "[]")
	return net.JoinHostPort(host, strconv.Itoa(c.cfg.AgentPort)), host, nil
}

func (c *Client) dial(ctx context.Context, target, host string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	tlsCfg, err := c.cfg.ClientTLSConfig(host)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return dialer.DialContext(ctx, "tcp", target)
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	return tlsDialer.DialContext(ctx, "tcp", target)
}

// exchange drives one connection through the handshake machine.
type exchange struct {
	conn     net.Conn
	reader   *bufio.Reader
	cfg      session.Config
	deadline time.Time
}

func (e *exchange) run(m *machine, code string) (ErrorKind, error) {
	if err := e.send(m.start(code)); err != nil {
		return ErrKindNetwork, err
	}
	var protoErr error
	for m.state != StateDone {
		line, err := e.readLine()
		if err == nil || (errors.Is(err, io.EOF) && line != "") {
			reply, perr := m.feed(line)
			if perr != nil {
				protoErr = perr
			}
			if reply != "" {
				if werr := e.send(reply); werr != nil {
					return ErrKindNetwork, werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrLineTooLong) {
				return ErrKindProtocol, &ProtocolError{State: m.state, Err: err}
			}
			return ErrKindNetwork, err
		}
	}
	m.state = StateDone
	if protoErr != nil {
		return ErrKindProtocol, protoErr
	}
	return ErrKindNone, nil
}

func (e *exchange) send(line string) error {
	_ = e.conn.SetWriteDeadline(e.bound(e.cfg.WriteTimeout))
	_, err := io.WriteString(e.conn, line+"\n")
	return err
}

func (e *exchange) readLine() (string, error) {
	_ = e.conn.SetReadDeadline(e.bound(e.cfg.ReadTimeout))
	return readLine(e.reader, e.cfg.MaxLineBytes)
}

// bound returns now+d capped by the exchange deadline.
func (e *exchange) bound(d time.Duration) time.Time {
	next := time.Now().Add(d)
	if next.After(e.deadline) {
		return e.deadline
	}
	return next
}
