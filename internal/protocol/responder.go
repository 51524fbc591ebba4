package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/fleetctl/internal/auth"
	logs "github.com/danmuck/fleetctl/internal/logging"
)

// ResponderConfig describes the agent state a Responder reports.
type ResponderConfig struct {
	AuthCode    string
	Validator   auth.Validator
	Version     string
	Master      func() any
	ReadTimeout time.Duration
}

// Responder is an agent-side endpoint for the canonical dialect.
type Responder struct {
	cfg     ResponderConfig
	auth    auth.Validator
	clients atomic.Int64
	served  atomic.Uint64
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "unknown"
	}
	if cfg.Master == nil {
		cfg.Master = func() any { return false }
	}
	validator := cfg.Validator
	if validator == nil {
		validator = auth.StaticCode{Code: cfg.AuthCode}
	}
	return &Responder{cfg: cfg, auth: validator}
}

// Served returns the number of connections handled to completion.
func (r *Responder) Served() uint64 {
	return r.served.Load()
}

// Serve accepts agent sessions on ln until ctx ends.
func (r *Responder) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	logs.Infof("protocol.Responder listening addr=%q", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.handleConn(conn)
	}
}

// handleConn answers one command per line until exit or an auth failure.
func (r *Responder) handleConn(conn net.Conn) {
	defer conn.Close()
	defer r.served.Add(1)
	remote := conn.RemoteAddr().String()
	active := r.clients.Add(1)
	logs.Debugf("protocol.Responder client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := r.clients.Add(-1)
		logs.Debugf("protocol.Responder client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	reader := bufio.NewReader(conn)
	authed := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		line, err := readLine(reader, 4096)
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			if !errors.Is(err, io.EOF) {
				logs.Warnf("protocol.Responder read remote=%q err=%v", remote, err)
			}
			return
		}
		reply, keepOpen := r.respond(line, &authed)
		if reply != "" {
			if _, werr := io.WriteString(conn, reply+"\n"); werr != nil {
				logs.Warnf("protocol.Responder write remote=%q err=%v", remote, werr)
				return
			}
		}
		if !keepOpen || err != nil {
			return
		}
	}
}

func (r *Responder) respond(line string, authed *bool) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", true
	}
	switch fields[0] {
	case CmdAuth:
		presented := strings.Join(fields[1:], " ")
		if err := r.auth.Validate(presented); err != nil {
			logs.Debugf("protocol.Responder auth rejected code=%s err=%v", auth.Redact(presented), err)
			return TokenErr + " auth", false
		}
		*authed = true
		return AckLine(SubjectAuth, ""), true
	case CmdExit, CmdQuit:
		return TokenOK + " " + TokenBye, false
	case CmdPing:
		return TokenOK + " pong", true
	}
	if !*authed {
		return TokenErr + " unauthorized", false
	}
	switch {
	case fields[0] == CmdExport && len(fields) > 1 && fields[1] == SubjectMaster:
		raw, err := json.Marshal(r.cfg.Master())
		if err != nil {
			return TokenErr + " " + err.Error(), true
		}
		return AckLine(SubjectMaster, string(raw)), true
	case fields[0] == CmdGet && len(fields) > 1 && fields[1] == SubjectVersion:
		return AckLine(SubjectVersion, r.cfg.Version), true
	default:
		return TokenErr + " unknown command", true
	}
}
