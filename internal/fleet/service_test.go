package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/fleetctl/internal/inventory"
	"github.com/danmuck/fleetctl/internal/protocol"
	"github.com/danmuck/fleetctl/internal/protocol/session"
	"github.com/danmuck/fleetctl/internal/testutil/testlog"
)

// fixture writes the three documents and starts one agent responder.
type fixture struct {
	dir       string
	agentAddr string
	responder *protocol.Responder
}

func newFixture(t *testing.T, ctx context.Context, withSecurity bool) fixture {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	responder := protocol.NewResponder(protocol.ResponderConfig{
		AuthCode: "fleet-code",
		Version:  "5.0",
		Master:   func() any { return true },
	})
	go func() { _ = responder.Serve(ctx, ln) }()

	dir := t.TempDir()
	agentAddr := ln.Addr().String()
	sectors := fmt.Sprintf("[sectors.core]\nhosts = [\"%s ctl1\", \"10.0.0.2 web1\"]\n", agentAddr)
	masters := fmt.Sprintf("[master_servers]\nhosts = [\"%s ctl1\"]\n", agentAddr)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sectors.toml"), []byte(sectors), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "masters.toml"), []byte(masters), 0o644))
	if withSecurity {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "security.toml"), []byte("[security]\ncode = \"fleet-code\"\n"), 0o600))
	}
	return fixture{dir: dir, agentAddr: agentAddr, responder: responder}
}

func (f fixture) config() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.SectorsPath = filepath.Join(f.dir, "sectors.toml")
	cfg.MastersPath = filepath.Join(f.dir, "masters.toml")
	cfg.SecurityPath = filepath.Join(f.dir, "security.toml")
	cfg.Session = session.Config{ReadTimeout: time.Second, ExchangeTimeout: 3 * time.Second}
	return cfg
}

func TestNewServiceWithConfigFillsDefaults(t *testing.T) {
	testlog.Start(t)
	svc := NewServiceWithConfig(ServiceConfig{})
	cfg := svc.Config()
	require.Equal(t, BackendMemory, cfg.Store)
	require.Equal(t, BackendMemory, cfg.Cache)
	require.Equal(t, 8, cfg.ProbeConcurrency)
	require.Equal(t, session.DefaultAgentPort, cfg.Session.AgentPort)
}

func TestBootstrapValidatesConfig(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	cfg := DefaultServiceConfig()
	cfg.ProbeInterval = 0
	require.ErrorIs(t, NewServiceWithConfig(cfg).bootstrap(ctx), ErrInvalidInterval)

	cfg = DefaultServiceConfig()
	cfg.Store = "redis"
	require.ErrorIs(t, NewServiceWithConfig(cfg).bootstrap(ctx), ErrUnknownStore)

	cfg = DefaultServiceConfig()
	cfg.Cache = "memcached"
	require.ErrorIs(t, NewServiceWithConfig(cfg).bootstrap(ctx), ErrUnknownCache)

	cfg = DefaultServiceConfig()
	cfg.Session.AgentPort = 70000
	require.ErrorIs(t, NewServiceWithConfig(cfg).bootstrap(ctx), session.ErrInvalidPort)
}

func TestServiceMethodsRequireBootstrap(t *testing.T) {
	testlog.Start(t)
	svc := NewService()
	_, err := svc.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.Probe(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.Hosts(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
	require.False(t, svc.Status().Started)
}

func TestServiceReconcileThenProbe(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t, ctx, true)
	svc := NewServiceWithConfig(fx.config())
	require.NoError(t, svc.bootstrap(ctx))
	defer svc.shutdown()

	rep, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.MastersInserted)

	sum, err := svc.Probe(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Probed)
	require.Equal(t, 1, sum.VersionWrites)

	vec, cached, err := svc.Vector(ctx, "ctl1")
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, inventory.StatusVector{Status: true, Version: "5.0"}, vec)

	masters, err := svc.Masters(ctx)
	require.NoError(t, err)
	require.Len(t, masters, 1)
	require.Equal(t, "5.0", masters[0].Version)

	st := svc.Status()
	require.True(t, st.Started)
	require.EqualValues(t, 1, st.Reconciles)
	require.EqualValues(t, 1, st.ProbeCycles)
	require.NotNil(t, st.LastReconcile)
	require.NotNil(t, st.LastProbe)
}

func TestServiceProbeWithoutSecurityFailsClosed(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t, ctx, false)
	svc := NewServiceWithConfig(fx.config())
	require.NoError(t, svc.bootstrap(ctx))
	defer svc.shutdown()

	_, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	sum, err := svc.Probe(ctx)
	require.NoError(t, err)
	require.Equal(t, inventory.DefaultStatusVector(), sum.Vectors["ctl1"])
	require.Zero(t, fx.responder.Served())
}

func TestServiceReconcileMissingSectorsSurfacesError(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cfg := DefaultServiceConfig()
	cfg.SectorsPath = filepath.Join(t.TempDir(), "absent.toml")
	svc := NewServiceWithConfig(cfg)
	require.NoError(t, svc.bootstrap(ctx))
	defer svc.shutdown()

	_, err := svc.Reconcile(ctx)
	require.Error(t, err)
	require.NotEmpty(t, svc.Status().LastError)
}

func TestRunContextStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t, ctx, true)
	cfg := fx.config()
	cfg.ReconcileInterval = 20 * time.Millisecond
	cfg.ProbeInterval = 20 * time.Millisecond
	svc := NewServiceWithConfig(cfg)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.RunContext(runCtx) }()

	require.Eventually(t, func() bool {
		return svc.Status().Reconciles >= 2
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("service did not stop")
	}
	require.Eventually(t, func() bool {
		return fx.responder.Served() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenStoreRetriesPostgres(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Store = BackendPostgres
	cfg.PostgresURL = "postgres://fleet@127.0.0.1:1/fleet?connect_timeout=1"
	cfg.ConnectAttempts = 2
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	svc := NewServiceWithConfig(cfg)

	_, _, err := svc.openStore(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnknownStore))
}
