// Package tlstest stands up loopback agent listeners behind a throwaway CA.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fleetctl/internal/protocol/session"
)

// AgentServerName is the name the loopback agent certificate is issued for.
const AgentServerName = "agent.fleet.test"

// Authority signs agent certificates. Only the CA certificate touches disk,
// because session.TLSConfig trusts a CA bundle by path.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caFile string
	serial int64
}

// NewAuthority creates a CA and writes its PEM bundle to dir/ca.pem.
func NewAuthority(t testing.TB, dir string) *Authority {
	t.Helper()
	key := newKey(t)
	tmpl := certTemplate(1, "fleetctl test ca")
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLenZero = true

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write ca bundle: %v", err)
	}
	return &Authority{cert: cert, key: key, caFile: caFile, serial: 1}
}

// CAFile is the PEM bundle path clients should trust.
func (a *Authority) CAFile() string {
	return a.caFile
}

// ClientTLS returns the transport block a probe client needs to reach an
// agent certified by this authority.
func (a *Authority) ClientTLS() session.TLSConfig {
	return session.TLSConfig{
		Enabled:    true,
		CAFile:     a.caFile,
		ServerName: AgentServerName,
	}
}

// AgentCertificate issues an in-memory keypair valid for AgentServerName
// and the loopback address.
func (a *Authority) AgentCertificate(t testing.TB) tls.Certificate {
	t.Helper()
	key := newKey(t)
	a.serial++
	tmpl := certTemplate(a.serial, AgentServerName)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	tmpl.DNSNames = []string{AgentServerName, "localhost"}
	tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("create agent cert: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// ListenAgent opens a TLS listener on 127.0.0.1:0 serving an agent
// certificate. The listener is closed when the test ends.
func (a *Authority) ListenAgent(t testing.TB) net.Listener {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{a.AgentCertificate(t)},
	})
	if err != nil {
		t.Fatalf("listen agent tls: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func certTemplate(serial int64, commonName string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"fleetctl"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
	}
}
