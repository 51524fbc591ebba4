// Command fleetadmin sends one admin action to a running fleetctl service.
//
//	fleetadmin --addr 127.0.0.1:7030 status
//	fleetadmin vector core-01
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/fleetctl/internal/fleet"
)

var actions = []string{"status", "reconcile", "probe", "hosts", "masters", "vector"}

func main() {
	addr := pflag.StringP("addr", "a", "127.0.0.1:7030", "fleetctl admin address")
	timeout := pflag.Duration("timeout", 2*time.Minute, "request timeout")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: fleetadmin [flags] <%s> [hostname]\n", strings.Join(actions, "|"))
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := run(os.Stdout, *addr, *timeout, pflag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "fleetadmin: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, addr string, timeout time.Duration, args []string) error {
	action, hostname, err := parseArgs(args)
	if err != nil {
		return err
	}
	client := fleet.NewAdminClient(addr, timeout)
	defer client.Close()

	raw, err := client.Raw(action, hostname)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}

func parseArgs(args []string) (string, string, error) {
	if len(args) == 0 {
		return "", "", fmt.Errorf("action required (%s)", strings.Join(actions, "|"))
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))
	known := false
	for _, a := range actions {
		if a == action {
			known = true
			break
		}
	}
	if !known {
		return "", "", fmt.Errorf("unknown action: %s", args[0])
	}
	if action != "vector" {
		return action, "", nil
	}
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		return "", "", fmt.Errorf("vector requires a hostname")
	}
	return action, strings.TrimSpace(args[1]), nil
}
