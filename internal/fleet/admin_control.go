package fleet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	logs "github.com/danmuck/fleetctl/internal/logging"
)

const adminRequestTimeout = 2 * time.Minute

// controlRequest is one admin action envelope.
type controlRequest struct {
	Action   string `json:"action"`
	Hostname string `json:"hostname,omitempty"`
}

// controlResponse is one admin action result envelope.
type controlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// serveAdminControl exposes a TCP JSON request/response endpoint.
func (s *Service) serveAdminControl(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return s.serveAdminListener(ctx, ln)
}

func (s *Service) serveAdminListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	logs.Infof("fleet.admin listening addr=%q", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleAdminConn(ctx, conn)
	}
}

// handleAdminConn decodes one request per line and writes one response per line.
func (s *Service) handleAdminConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.adminClientCount.Add(1)
	logs.Infof("fleet.admin client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.adminClientCount.Add(-1)
		logs.Infof("fleet.admin client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				logs.Warnf("fleet.admin read err=%v", err)
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, controlResponse{OK: false, Error: err.Error()})
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, adminRequestTimeout)
		resp := s.handleControlRequest(reqCtx, req)
		cancel()
		if err := writeControlResponse(conn, resp); err != nil {
			logs.Warnf("fleet.admin write err=%v", err)
			return
		}
	}
}

// handleControlRequest dispatches admin actions to service methods.
func (s *Service) handleControlRequest(ctx context.Context, req controlRequest) controlResponse {
	switch strings.TrimSpace(req.Action) {
	case "status":
		return controlResponse{OK: true, Data: s.Status()}
	case "reconcile":
		return result(s.Reconcile(ctx))
	case "probe":
		return result(s.Probe(ctx))
	case "hosts":
		return result(s.Hosts(ctx))
	case "masters":
		return result(s.Masters(ctx))
	case "vector":
		hostname := strings.TrimSpace(req.Hostname)
		if hostname == "" {
			return controlResponse{OK: false, Error: "hostname required"}
		}
		vec, cached, err := s.Vector(ctx, hostname)
		if err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		return controlResponse{
			OK: true,
			Data: map[string]any{
				"hostname": hostname,
				"cached":   cached,
				"vector":   vec,
			},
		}
	default:
		return controlResponse{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func result(data any, err error) controlResponse {
	if err != nil {
		return controlResponse{OK: false, Error: err.Error(), Data: data}
	}
	return controlResponse{OK: true, Data: data}
}

func writeControlResponse(w io.Writer, resp controlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
