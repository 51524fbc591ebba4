package fleet

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/fleetctl/internal/auth"
	"github.com/danmuck/fleetctl/internal/config"
	"github.com/danmuck/fleetctl/internal/inventory"
	"github.com/danmuck/fleetctl/internal/inventory/pgstore"
	logs "github.com/danmuck/fleetctl/internal/logging"
	"github.com/danmuck/fleetctl/internal/probe"
	"github.com/danmuck/fleetctl/internal/protocol"
	"github.com/danmuck/fleetctl/internal/protocol/session"
	"github.com/danmuck/fleetctl/internal/reconcile"
	"github.com/danmuck/fleetctl/internal/statuscache"
)

var (
	ErrInvalidInterval = errors.New("fleet: intervals must be positive")
	ErrUnknownStore    = errors.New("fleet: unknown store backend")
	ErrUnknownCache    = errors.New("fleet: unknown cache backend")
	ErrNotStarted      = errors.New("fleet: service not started")
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// ServiceConfig configures the fleet control loop.
type ServiceConfig struct {
	SectorsPath  string
	MastersPath  string
	SecurityPath string

	Store       string
	PostgresURL string

	Cache      string
	NATSURL    string
	NATSBucket string

	ReconcileInterval time.Duration
	ProbeInterval     time.Duration
	ProbeConcurrency  int
	ConnectAttempts   int

	Session         session.Config
	AdminListenAddr string
}

// DefaultServiceConfig returns in-memory backends and conservative loop timing.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SectorsPath:       "sectors.toml",
		MastersPath:       "masters.toml",
		SecurityPath:      "security.toml",
		Store:             BackendMemory,
		Cache:             BackendMemory,
		NATSBucket:        statuscache.DefaultBucket,
		ReconcileInterval: time.Minute,
		ProbeInterval:     30 * time.Second,
		ProbeConcurrency:  probe.DefaultConcurrency,
		ConnectAttempts:   5,
		Session:           session.DefaultConfig(),
	}
}

// Status is the service snapshot served to admin clients.
type Status struct {
	Store         string            `json:"store"`
	Cache         string            `json:"cache"`
	Started       bool              `json:"started"`
	Reconciles    uint64            `json:"reconciles"`
	ProbeCycles   uint64            `json:"probe_cycles"`
	LastReconcile *reconcile.Report `json:"last_reconcile,omitempty"`
	LastProbe     *probe.Summary    `json:"last_probe,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	AdminClients  int64             `json:"admin_clients"`
}

// Service owns the backends and the two control loops.
type Service struct {
	cfg ServiceConfig

	mu         sync.RWMutex
	store      inventory.Store
	cache      statuscache.Cache
	reconciler *reconcile.Reconciler
	prober     *probe.Orchestrator
	closers    []func()

	lastReconcile *reconcile.Report
	lastProbe     *probe.Summary
	lastErr       string

	reconciles       atomic.Uint64
	adminClientCount atomic.Int64
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = BackendMemory
	}
	if strings.TrimSpace(cfg.Cache) == "" {
		cfg.Cache = BackendMemory
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = probe.DefaultConcurrency
	}
	return &Service{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunOnce performs a single reconcile and probe pass.
func (s *Service) RunOnce() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	defer s.shutdown()
	rep, err := s.Reconcile(ctx)
	if err != nil {
		return err
	}
	sum, err := s.Probe(ctx)
	if err != nil {
		return err
	}
	logs.Infof(
		"fleet.Service.RunOnce run_id=%s inserted=%d updated=%d deleted=%d probed=%d failed=%d",
		rep.RunID, rep.Inserted, rep.Updated, rep.Deleted, sum.Probed, sum.Failed,
	)
	return nil
}

// RunContext opens the backends and serves until ctx ends.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	defer s.shutdown()
	return s.serve(ctx)
}

func (s *Service) validate() error {
	if s.cfg.ReconcileInterval <= 0 || s.cfg.ProbeInterval <= 0 {
		return ErrInvalidInterval
	}
	return s.cfg.Session.Validate()
}

// bootstrap opens the store and cache and builds the workers on top of them.
func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	store, closeStore, err := s.openStore(ctx)
	if err != nil {
		return err
	}
	cache, closeCache, err := s.openCache(ctx)
	if err != nil {
		closeStore()
		return err
	}
	return s.attach(store, cache, closeStore, closeCache)
}

// attach builds the reconciler and prober over already-open backends.
func (s *Service) attach(store inventory.Store, cache statuscache.Cache, closers ...func()) error {
	rec, err := reconcile.New(store, reconcile.Config{
		SectorsPath: s.cfg.SectorsPath,
		MastersPath: s.cfg.MastersPath,
	})
	if err != nil {
		return err
	}
	prober, err := probe.New(protocol.NewClient(s.cfg.Session), cache, store, probe.Config{
		Concurrency: s.cfg.ProbeConcurrency,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	s.cache = cache
	s.reconciler = rec
	s.prober = prober
	s.closers = append(s.closers, closers...)
	logs.Infof(
		"fleet.Service.bootstrap ready store=%s cache=%s sectors=%q masters=%q probe_concurrency=%d",
		s.cfg.Store,
		s.cfg.Cache,
		s.cfg.SectorsPath,
		s.cfg.MastersPath,
		s.cfg.ProbeConcurrency,
	)
	return nil
}

func (s *Service) shutdown() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func (s *Service) openStore(ctx context.Context) (inventory.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(s.cfg.Store)) {
	case BackendMemory:
		return inventory.NewMemoryStore(), func() {}, nil
	case BackendPostgres:
		var store *pgstore.Store
		err := session.Retry(ctx, s.cfg.Session.Backoff, s.cfg.ConnectAttempts, func(attempt int) error {
			var err error
			store, err = pgstore.Open(ctx, s.cfg.PostgresURL)
			if err != nil {
				logs.Warnf("fleet.Service.openStore postgres attempt=%d err=%v", attempt, err)
			}
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("fleet: open postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownStore, s.cfg.Store)
	}
}

func (s *Service) openCache(ctx context.Context) (statuscache.Cache, func(), error) {
	switch strings.ToLower(strings.TrimSpace(s.cfg.Cache)) {
	case BackendMemory:
		return statuscache.NewMemoryCache(), func() {}, nil
	case BackendNATS:
		var cache *statuscache.NATSCache
		err := session.Retry(ctx, s.cfg.Session.Backoff, s.cfg.ConnectAttempts, func(attempt int) error {
			var err error
			cache, err = statuscache.OpenNATS(ctx, statuscache.NATSConfig{
				URL:     s.cfg.NATSURL,
				Bucket:  s.cfg.NATSBucket,
				Timeout: s.cfg.Session.ConnectTimeout,
			})
			if err != nil {
				logs.Warnf("fleet.Service.openCache nats attempt=%d err=%v", attempt, err)
			}
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("fleet: open nats cache: %w", err)
		}
		return cache, func() { _ = cache.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCache, s.cfg.Cache)
	}
}

// serve runs both loops once up front, then on their tickers.
func (s *Service) serve(ctx context.Context) error {
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	probeTicker := time.NewTicker(s.cfg.ProbeInterval)
	defer probeTicker.Stop()

	controlErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		go func() {
			controlErr <- s.serveAdminControl(ctx, s.cfg.AdminListenAddr)
		}()
	}

	s.runReconcile(ctx)
	s.runProbe(ctx)

	for {
		select {
		case <-ctx.Done():
			logs.Infof("fleet.Service.serve shutdown")
			return nil
		case err := <-controlErr:
			if err != nil {
				return err
			}
		case <-reconcileTicker.C:
			s.runReconcile(ctx)
		case <-probeTicker.C:
			s.runProbe(ctx)
		}
	}
}

func (s *Service) runReconcile(ctx context.Context) {
	if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
		logs.Errf("fleet.Service.runReconcile err=%v", err)
	}
}

func (s *Service) runProbe(ctx context.Context) {
	if _, err := s.Probe(ctx); err != nil && ctx.Err() == nil {
		logs.Errf("fleet.Service.runProbe err=%v", err)
	}
}

// Reconcile runs one reconciliation from the configured documents.
func (s *Service) Reconcile(ctx context.Context) (reconcile.Report, error) {
	s.mu.RLock()
	rec := s.reconciler
	s.mu.RUnlock()
	if rec == nil {
		return reconcile.Report{}, ErrNotStarted
	}
	rep, err := rec.ReconcileFiles(ctx)
	s.reconciles.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
		return rep, err
	}
	s.lastReconcile = &rep
	return rep, nil
}

// Probe reloads the auth code and probes every master in the store.
// A missing security document leaves the code empty, so every probe
// fails closed without connecting.
func (s *Service) Probe(ctx context.Context) (probe.Summary, error) {
	s.mu.RLock()
	prober := s.prober
	s.mu.RUnlock()
	if prober == nil {
		return probe.Summary{}, ErrNotStarted
	}

	sec, err := config.LoadSecurityConfig(s.cfg.SecurityPath)
	if err != nil {
		logs.Warnf("fleet.Service.Probe security unavailable err=%v", err)
	}
	prober.SetAuthCode(sec.Code)
	logs.Debugf("fleet.Service.Probe security=%q auth_code=%s", s.cfg.SecurityPath, auth.Redact(sec.Code))

	sum, err := prober.ProbeMasters(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
		return sum, err
	}
	s.lastProbe = &sum
	return sum, nil
}

// Hosts lists every inventory row.
func (s *Service) Hosts(ctx context.Context) ([]inventory.Host, error) {
	store, err := s.currentStore()
	if err != nil {
		return nil, err
	}
	return store.ListHosts(ctx)
}

// Masters lists the hosts that currently hold a Master row.
func (s *Service) Masters(ctx context.Context) ([]inventory.Host, error) {
	store, err := s.currentStore()
	if err != nil {
		return nil, err
	}
	return store.ListMasters(ctx)
}

// Vector returns the cached vector for hostname, or the default vector
// when nothing has been cached yet.
func (s *Service) Vector(ctx context.Context, hostname string) (inventory.StatusVector, bool, error) {
	s.mu.RLock()
	cache := s.cache
	s.mu.RUnlock()
	if cache == nil {
		return inventory.StatusVector{}, false, ErrNotStarted
	}
	raw, ok, err := cache.Get(ctx, hostname)
	if err != nil || !ok {
		return inventory.DefaultStatusVector(), false, err
	}
	vec, err := inventory.DecodeStatusVector(raw)
	return vec, true, err
}

// Status snapshots counters and the last results.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Store:         s.cfg.Store,
		Cache:         s.cfg.Cache,
		Started:       s.reconciler != nil,
		Reconciles:    s.reconciles.Load(),
		LastReconcile: s.lastReconcile,
		LastProbe:     s.lastProbe,
		LastError:     s.lastErr,
		AdminClients:  s.adminClientCount.Load(),
	}
	if s.prober != nil {
		st.ProbeCycles = s.prober.Cycles()
	}
	return st
}

// AdminClientCount returns the current number of attached admin clients.
func (s *Service) AdminClientCount() int64 {
	return s.adminClientCount.Load()
}

func (s *Service) currentStore() (inventory.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil {
		return nil, ErrNotStarted
	}
	return s.store, nil
}
