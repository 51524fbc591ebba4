package tlstest

import (
	"crypto/x509"
	"testing"

	"github.com/danmuck/fleetctl/internal/protocol/session"
	"github.com/danmuck/fleetctl/internal/testutil/testlog"
)

func TestAgentCertificateVerifiesAgainstClientTLS(t *testing.T) {
	testlog.Start(t)
	ca := NewAuthority(t, t.TempDir())
	cfg := session.DefaultConfig()
	cfg.TLS = ca.ClientTLS()
	tlsCfg, err := cfg.ClientTLSConfig("127.0.0.1")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if tlsCfg.ServerName != AgentServerName {
		t.Fatalf("server name got=%q want=%q", tlsCfg.ServerName, AgentServerName)
	}

	pair := ca.AgentCertificate(t)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("parse agent cert: %v", err)
	}
	opts := x509.VerifyOptions{Roots: tlsCfg.RootCAs, DNSName: AgentServerName}
	if _, err := leaf.Verify(opts); err != nil {
		t.Fatalf("verify agent cert: %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatalf("loopback ip not covered: %v", err)
	}
}
