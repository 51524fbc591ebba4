package fleet

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fleetctl/internal/inventory"
	"github.com/danmuck/fleetctl/internal/probe"
	"github.com/danmuck/fleetctl/internal/reconcile"
)

var ErrAdminAddrRequired = errors.New("fleet: admin address required")

// AdminClient talks to a running service's admin endpoint over one
// persistent connection.
type AdminClient struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// adminReply mirrors controlResponse with raw data for typed decoding.
type adminReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewAdminClient targets addr. timeout bounds each request; reconcile and
// probe requests can take as long as a full run.
func NewAdminClient(addr string, timeout time.Duration) *AdminClient {
	if timeout <= 0 {
		timeout = adminRequestTimeout
	}
	return &AdminClient{addr: strings.TrimSpace(addr), timeout: timeout}
}

func (c *AdminClient) Status() (Status, error) {
	var out Status
	err := c.Call("status", "", &out)
	return out, err
}

func (c *AdminClient) Reconcile() (reconcile.Report, error) {
	var out reconcile.Report
	err := c.Call("reconcile", "", &out)
	return out, err
}

func (c *AdminClient) Probe() (probe.Summary, error) {
	var out probe.Summary
	err := c.Call("probe", "", &out)
	return out, err
}

func (c *AdminClient) Hosts() ([]inventory.Host, error) {
	var out []inventory.Host
	err := c.Call("hosts", "", &out)
	return out, err
}

func (c *AdminClient) Masters() ([]inventory.Host, error) {
	var out []inventory.Host
	err := c.Call("masters", "", &out)
	return out, err
}

// Call sends one action and decodes the response data into out.
func (c *AdminClient) Call(action, hostname string, out any) error {
	raw, err := c.roundTrip(controlRequest{Action: action, Hostname: hostname})
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Raw sends one action and returns the undecoded response data.
func (c *AdminClient) Raw(action, hostname string) (json.RawMessage, error) {
	return c.roundTrip(controlRequest{Action: action, Hostname: hostname})
}

func (c *AdminClient) roundTrip(req controlRequest) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConn(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(payload); err != nil {
		c.resetConn()
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.resetConn()
		return nil, err
	}
	var resp adminReply
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return resp.Data, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func (c *AdminClient) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	if c.addr == "" {
		return ErrAdminAddrRequired
	}
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return err
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *AdminClient) resetConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}

// Close drops the connection; later calls redial.
func (c *AdminClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetConn()
	return nil
}
