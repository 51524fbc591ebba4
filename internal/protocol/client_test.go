package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fleetctl/internal/inventory"
	"github.com/danmuck/fleetctl/internal/protocol/session"
	"github.com/danmuck/fleetctl/internal/testutil/testlog"
	"github.com/danmuck/fleetctl/internal/testutil/tlstest"
)

// scriptedPeer accepts one connection and hands it to script.
func scriptedPeer(t *testing.T, script func(conn net.Conn, r *bufio.Reader)) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		script(conn, bufio.NewReader(conn))
	}()
	return ln.Addr().String(), done
}

func expectLine(t *testing.T, r *bufio.Reader, want string) bool {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Errorf("peer read want=%q err=%v", want, err)
		return false
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Errorf("peer got=%q want=%q", got, want)
		return false
	}
	return true
}

func fastConfig() session.Config {
	return session.Config{
		ConnectTimeout:  time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ExchangeTimeout: 3 * time.Second,
	}
}

func TestQueryHostEmptyAuthCodeOpensNoConnection(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()

	client := NewClient(fastConfig())
	res := client.Query(context.Background(), ln.Addr().String(), "   ")
	if res.Vector != inventory.DefaultStatusVector() {
		t.Fatalf("expected default vector, got %+v", res.Vector)
	}
	if res.Kind != ErrKindConfig || !errors.Is(res.Err, ErrAuthCodeRequired) {
		t.Fatalf("expected config error, got kind=%s err=%v", res.Kind, res.Err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := accepted.Load(); n != 0 {
		t.Fatalf("expected no connection, got %d", n)
	}
}

func TestQueryHostFullHandshake(t *testing.T) {
	testlog.Start(t)
	addr, done := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		if !expectLine(t, r, "auth s3cret") {
			return
		}
		_, _ = conn.Write([]byte("+OK ack auth\n"))
		if !expectLine(t, r, "export master") {
			return
		}
		_, _ = conn.Write([]byte("+OK ack master true\n"))
		if !expectLine(t, r, "get version") {
			return
		}
		_, _ = conn.Write([]byte("+OK ack version 1.2.3 \r\n"))
		expectLine(t, r, "exit")
	})

	client := NewClient(fastConfig())
	res := client.Query(context.Background(), addr, "s3cret")
	<-done
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := inventory.StatusVector{Status: true, Version: "1.2.3"}
	if res.Vector != want {
		t.Fatalf("vector got=%+v want=%+v", res.Vector, want)
	}
	if res.State != StateDone {
		t.Fatalf("expected done state, got %s", res.State)
	}
}

func TestQueryHostStringMasterStatus(t *testing.T) {
	testlog.Start(t)
	addr, done := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack auth\n"))
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack master \"standby\"\n"))
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack version 4.0\n"))
		_, _ = r.ReadString('\n')
	})

	got := NewClient(fastConfig()).QueryHost(context.Background(), addr, "code")
	<-done
	if got.Status != "standby" || got.Version != "4.0" {
		t.Fatalf("unexpected vector %+v", got)
	}
}

func TestQueryHostUnexpectedFirstTokenReturnsPromptly(t *testing.T) {
	testlog.Start(t)
	hold := make(chan struct{})
	defer close(hold)
	addr, _ := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("-ERR go away\n"))
		<-hold
	})

	cfg := fastConfig()
	cfg.ReadTimeout = 2 * time.Second
	start := time.Now()
	res := NewClient(cfg).Query(context.Background(), addr, "code")
	if elapsed := time.Since(start); elapsed >= cfg.ReadTimeout {
		t.Fatalf("client waited for read timeout: %s", elapsed)
	}
	if res.Kind != ErrKindProtocol || !errors.Is(res.Err, ErrUnexpectedToken) {
		t.Fatalf("expected protocol error, got kind=%s err=%v", res.Kind, res.Err)
	}
	if res.Vector != inventory.DefaultStatusVector() {
		t.Fatalf("expected default vector, got %+v", res.Vector)
	}
}

func TestQueryHostPeerClosesEarly(t *testing.T) {
	testlog.Start(t)
	addr, done := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack auth\n"))
		_, _ = r.ReadString('\n')
	})

	res := NewClient(fastConfig()).Query(context.Background(), addr, "code")
	<-done
	if res.Vector != inventory.DefaultStatusVector() {
		t.Fatalf("expected vector unchanged, got %+v", res.Vector)
	}
	if res.Kind != ErrKindNone {
		t.Fatalf("expected clean close, got kind=%s err=%v", res.Kind, res.Err)
	}
}

func TestQueryHostByeEndsExchange(t *testing.T) {
	testlog.Start(t)
	addr, done := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack auth\n"))
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack master false\n"))
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK bye!\n"))
	})

	res := NewClient(fastConfig()).Query(context.Background(), addr, "code")
	<-done
	if res.Vector.Status != false || res.Vector.Version != inventory.UnknownVersion {
		t.Fatalf("unexpected vector %+v", res.Vector)
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}

func TestQueryHostReadTimeoutSetsErrorText(t *testing.T) {
	testlog.Start(t)
	hold := make(chan struct{})
	defer close(hold)
	addr, _ := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		<-hold
	})

	cfg := fastConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	res := NewClient(cfg).Query(context.Background(), addr, "code")
	if res.Kind != ErrKindNetwork {
		t.Fatalf("expected network error, got kind=%s err=%v", res.Kind, res.Err)
	}
	var netErr *NetworkError
	if !errors.As(res.Err, &netErr) {
		t.Fatalf("expected NetworkError, got %T", res.Err)
	}
	status, ok := res.Vector.Status.(string)
	if !ok || !strings.Contains(status, "timeout") {
		t.Fatalf("expected timeout text in status, got %#v", res.Vector.Status)
	}
	if res.Vector.Version != inventory.UnknownVersion {
		t.Fatalf("expected unknown version, got %q", res.Vector.Version)
	}
}

func TestQueryHostDialFailure(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	res := NewClient(fastConfig()).Query(context.Background(), addr, "code")
	if res.Kind != ErrKindNetwork {
		t.Fatalf("expected network error, got kind=%s err=%v", res.Kind, res.Err)
	}
	if status, ok := res.Vector.Status.(string); !ok || status == inventory.FailedStatus {
		t.Fatalf("expected dial error text, got %#v", res.Vector.Status)
	}
}

func TestQueryHostLineLimit(t *testing.T) {
	testlog.Start(t)
	addr, _ := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack auth " + strings.Repeat("x", 256) + "\n"))
	})

	cfg := fastConfig()
	cfg.MaxLineBytes = 64
	res := NewClient(cfg).Query(context.Background(), addr, "code")
	if res.Kind != ErrKindProtocol || !errors.Is(res.Err, ErrLineTooLong) {
		t.Fatalf("expected line limit error, got kind=%s err=%v", res.Kind, res.Err)
	}
}

func TestQueryHostInvalidMasterLiteral(t *testing.T) {
	testlog.Start(t)
	addr, done := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack auth\n"))
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("+OK ack master maybe\n"))
	})

	res := NewClient(fastConfig()).Query(context.Background(), addr, "code")
	<-done
	if !errors.Is(res.Err, ErrInvalidLiteral) {
		t.Fatalf("expected invalid literal, got %v", res.Err)
	}
	status, _ := res.Vector.Status.(string)
	if !strings.Contains(status, "invalid literal") {
		t.Fatalf("expected error text in status, got %#v", res.Vector.Status)
	}
}

func TestQueryHostContextCancelClosesConnection(t *testing.T) {
	testlog.Start(t)
	hold := make(chan struct{})
	defer close(hold)
	addr, _ := scriptedPeer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		<-hold
	})

	cfg := fastConfig()
	cfg.ReadTimeout = 5 * time.Second
	cfg.ExchangeTimeout = 10 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	res := NewClient(cfg).Query(ctx, addr, "code")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel did not interrupt read: %s", elapsed)
	}
	if res.Vector.Status != context.Canceled.Error() {
		t.Fatalf("expected canceled status, got %#v", res.Vector.Status)
	}
}

func TestClientTargetDefaultsPort(t *testing.T) {
	testlog.Start(t)
	client := NewClient(session.Config{})
	cases := map[string]string{
		"10.0.0.1":      "10.0.0.1:5223",
		"agent.local":   "agent.local:5223",
		"10.0.0.1:9000": "10.0.0.1:9000",
		"[::1]":         "[::1]:5223",
		"::1":           "[::1]:5223",
	}
	for in, want := range cases {
		got, _, err := client.target(in)
		if err != nil {
			t.Fatalf("target(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("target(%q) got=%q want=%q", in, got, want)
		}
	}
	if _, _, err := client.target(""); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected address required, got %v", err)
	}
}

func TestResponderRoundTrip(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	responder := NewResponder(ResponderConfig{
		AuthCode: "s3cret",
		Version:  "2.0.1",
		Master:   func() any { return "primary" },
	})
	go func() { _ = responder.Serve(ctx, ln) }()

	client := NewClient(fastConfig())
	got := client.QueryHost(ctx, ln.Addr().String(), "s3cret")
	want := inventory.StatusVector{Status: "primary", Version: "2.0.1"}
	if got != want {
		t.Fatalf("vector got=%+v want=%+v", got, want)
	}

	res := client.Query(ctx, ln.Addr().String(), "wrong")
	if res.Kind != ErrKindProtocol {
		t.Fatalf("expected protocol error on bad code, got kind=%s err=%v", res.Kind, res.Err)
	}
	if res.Vector != inventory.DefaultStatusVector() {
		t.Fatalf("expected default vector on bad code, got %+v", res.Vector)
	}
}

func TestResponderOverTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, t.TempDir())
	ln := ca.ListenAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	responder := NewResponder(ResponderConfig{
		AuthCode: "code",
		Version:  "3.1",
		Master:   func() any { return true },
	})
	go func() { _ = responder.Serve(ctx, ln) }()

	cfg := fastConfig()
	cfg.TLS = ca.ClientTLS()
	got := NewClient(cfg).QueryHost(ctx, ln.Addr().String(), "code")
	want := inventory.StatusVector{Status: true, Version: "3.1"}
	if got != want {
		t.Fatalf("vector got=%+v want=%+v", got, want)
	}
}

func TestQueryHostRejectsUntrustedAgentCertificate(t *testing.T) {
	testlog.Start(t)
	agentCA := tlstest.NewAuthority(t, t.TempDir())
	otherCA := tlstest.NewAuthority(t, t.TempDir())
	ln := agentCA.ListenAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	responder := NewResponder(ResponderConfig{AuthCode: "code", Version: "3.1"})
	go func() { _ = responder.Serve(ctx, ln) }()

	cfg := fastConfig()
	cfg.TLS = otherCA.ClientTLS()
	res := NewClient(cfg).Query(ctx, ln.Addr().String(), "code")
	if res.Kind != ErrKindNetwork {
		t.Fatalf("expected network error for untrusted cert, got kind=%s err=%v", res.Kind, res.Err)
	}
	if res.Vector.Version != inventory.UnknownVersion {
		t.Fatalf("unexpected version %q", res.Vector.Version)
	}
}
