package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/fleetctl/internal/auth"
	"github.com/danmuck/fleetctl/internal/testutil/testlog"
)

func TestResponderCommandTable(t *testing.T) {
	testlog.Start(t)
	r := NewResponder(ResponderConfig{AuthCode: "code", Version: "1.4", Master: func() any { return "primary" }})

	authed := false
	steps := []struct {
		line     string
		reply    string
		keepOpen bool
	}{
		{"ping", "+OK pong", true},
		{"get version", "-ERR unauthorized", false},
		{"auth code", "+OK ack auth", true},
		{"export master", "+OK ack master \"primary\"", true},
		{"get version", "+OK ack version 1.4", true},
		{"dance", "-ERR unknown command", true},
		{"quit", "+OK bye!", false},
	}
	for _, step := range steps {
		reply, keepOpen := r.respond(step.line, &authed)
		if reply != step.reply || keepOpen != step.keepOpen {
			t.Fatalf("respond(%q) got=(%q,%v) want=(%q,%v)", step.line, reply, keepOpen, step.reply, step.keepOpen)
		}
	}
}

func TestResponderCustomValidator(t *testing.T) {
	testlog.Start(t)
	seen := ""
	r := NewResponder(ResponderConfig{
		Validator: auth.FuncValidator(func(code string) error {
			seen = code
			if code != "rotating-1" {
				return errors.New("stale code")
			}
			return nil
		}),
	})
	authed := false
	if reply, _ := r.respond("auth rotating-0", &authed); reply != "-ERR auth" || authed {
		t.Fatalf("expected rejection, got %q authed=%v", reply, authed)
	}
	if reply, _ := r.respond("auth rotating-1", &authed); reply != "+OK ack auth" || !authed {
		t.Fatalf("expected acceptance, got %q authed=%v", reply, authed)
	}
	if seen != "rotating-1" {
		t.Fatalf("validator saw %q", seen)
	}
	if reply, _ := r.respond("get version", &authed); reply != "+OK ack version unknown" {
		t.Fatalf("expected default version, got %q", reply)
	}
}
