// Command agentsim runs a local agent that answers the fleet probe dialect.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	logs "github.com/danmuck/fleetctl/internal/logging"
	"github.com/danmuck/fleetctl/internal/protocol"
	"github.com/danmuck/fleetctl/internal/protocol/session"
)

func main() {
	listen := pflag.StringP("listen", "l", net.JoinHostPort("127.0.0.1", strconv.Itoa(session.DefaultAgentPort)), "listen address")
	code := pflag.String("code", "", "auth code agents accept")
	version := pflag.String("version", "0.0.0-dev", "version reported to probes")
	master := pflag.String("master", "true", "master status literal reported to probes")
	idle := pflag.Duration("idle-timeout", 30*time.Second, "per-connection read timeout")
	pflag.Parse()

	logs.ConfigureRuntime("agentsim")

	status, err := protocol.ParseLiteral(*master)
	if err != nil {
		fail(err)
	}
	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	responder := protocol.NewResponder(protocol.ResponderConfig{
		AuthCode:    *code,
		Version:     *version,
		Master:      func() any { return status },
		ReadTimeout: *idle,
	})
	if err := responder.Serve(ctx, ln); err != nil {
		fail(err)
	}
	logs.Infof("agentsim stopped served=%d", responder.Served())
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "agentsim: %v\n", err)
	os.Exit(1)
}
