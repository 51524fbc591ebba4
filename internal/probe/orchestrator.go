// Package probe fans agent queries out over the master hosts and writes
// changed status vectors through to the status cache.
package probe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fleetctl/internal/inventory"
	logs "github.com/danmuck/fleetctl/internal/logging"
	"github.com/danmuck/fleetctl/internal/protocol"
	"github.com/danmuck/fleetctl/internal/statuscache"
)

const (
	DefaultConcurrency = 8
	CanceledStatus     = "canceled"
)

var (
	ErrClientRequired = errors.New("probe: client required")
	ErrCacheRequired  = errors.New("probe: cache required")
	ErrStoreRequired  = errors.New("probe: store required")
)

// Querier runs one agent exchange. *protocol.Client satisfies it.
type Querier interface {
	Query(ctx context.Context, address, authCode string) protocol.QueryResult
}

// Config tunes one Orchestrator.
type Config struct {
	AuthCode    string
	Concurrency int
}

// Summary describes one probe cycle.
type Summary struct {
	Vectors       map[string]inventory.StatusVector `json:"vectors"`
	Probed        int                               `json:"probed"`
	Failed        int                               `json:"failed"`
	Canceled      int                               `json:"canceled"`
	CacheWrites   int                               `json:"cache_writes"`
	VersionWrites int                               `json:"version_writes"`
	Duration      time.Duration                     `json:"duration"`
}

// Orchestrator probes master hosts with a bounded worker pool.
type Orchestrator struct {
	client Querier
	cache  statuscache.Cache
	store  inventory.Store

	mu          sync.RWMutex
	authCode    string
	concurrency int
	cycles      atomic.Uint64
}

// New builds an orchestrator. store may be nil when only ProbeAll is used.
func New(client Querier, cache statuscache.Cache, store inventory.Store, cfg Config) (*Orchestrator, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if cache == nil {
		return nil, ErrCacheRequired
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		client:      client,
		cache:       cache,
		store:       store,
		authCode:    strings.TrimSpace(cfg.AuthCode),
		concurrency: cfg.Concurrency,
	}, nil
}

// SetAuthCode swaps the agent auth code used by later cycles.
func (o *Orchestrator) SetAuthCode(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authCode = strings.TrimSpace(code)
}

func (o *Orchestrator) currentAuthCode() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.authCode
}

// Cycles returns the number of completed probe cycles.
func (o *Orchestrator) Cycles() uint64 {
	return o.cycles.Load()
}

// ProbeAll queries every host and returns the vector per hostname. It never
// fails as a whole: per-host problems live in that host's vector.
func (o *Orchestrator) ProbeAll(ctx context.Context, masters []inventory.Host) map[string]inventory.StatusVector {
	return o.probe(ctx, masters).Vectors
}

// ProbeMasters lists masters from the store, probes them, and records
// reported versions on the host rows. Vectors stay in the cache only.
func (o *Orchestrator) ProbeMasters(ctx context.Context) (Summary, error) {
	if o.store == nil {
		return Summary{}, ErrStoreRequired
	}
	masters, err := o.store.ListMasters(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := o.probe(ctx, masters)
	for _, host := range masters {
		vec, ok := sum.Vectors[host.Hostname]
		if !ok || vec.Status == CanceledStatus {
			continue
		}
		if vec.Version != inventory.UnknownVersion && vec.Version != host.Version {
			if err := o.store.SetHostVersion(ctx, host.Hostname, vec.Version); err != nil {
				logs.Warnf("probe.Orchestrator.ProbeMasters set version hostname=%q err=%v", host.Hostname, err)
			} else {
				sum.VersionWrites++
			}
		}
	}
	return sum, nil
}

type outcome struct {
	hostname string
	vector   inventory.StatusVector
	failed   bool
	canceled bool
	written  bool
}

func (o *Orchestrator) probe(ctx context.Context, masters []inventory.Host) Summary {
	start := time.Now()
	code := o.currentAuthCode()
	sum := Summary{Vectors: make(map[string]inventory.StatusVector, len(masters))}
	if len(masters) == 0 {
		o.cycles.Add(1)
		return sum
	}

	workers := o.concurrency
	if workers > len(masters) {
		workers = len(masters)
	}
	jobs := make(chan inventory.Host)
	results := make(chan outcome, len(masters))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range jobs {
				results <- o.probeOne(ctx, host, code)
			}
		}()
	}

feed:
	for i, host := range masters {
		select {
		case <-ctx.Done():
			for _, rest := range masters[i:] {
				results <- canceledOutcome(rest.Hostname)
			}
			break feed
		case jobs <- host:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for res := range results {
		sum.Vectors[res.hostname] = res.vector
		sum.Probed++
		if res.failed {
			sum.Failed++
		}
		if res.canceled {
			sum.Canceled++
		}
		if res.written {
			sum.CacheWrites++
		}
	}
	sum.Duration = time.Since(start)
	o.cycles.Add(1)
	logs.Infof(
		"probe.Orchestrator.probe hosts=%d failed=%d canceled=%d cache_writes=%d workers=%d duration=%s",
		sum.Probed,
		sum.Failed,
		sum.Canceled,
		sum.CacheWrites,
		workers,
		sum.Duration,
	)
	return sum
}

// probeOne never opens a connection once ctx is done.
func (o *Orchestrator) probeOne(ctx context.Context, host inventory.Host, code string) outcome {
	if ctx.Err() != nil {
		return canceledOutcome(host.Hostname)
	}
	res := o.client.Query(ctx, host.Address, code)
	out := outcome{
		hostname: host.Hostname,
		vector:   res.Vector,
		failed:   res.Err != nil || res.Vector.Version == inventory.UnknownVersion,
	}
	if res.Err != nil {
		logs.Debugf(
			"probe.Orchestrator.probeOne hostname=%q address=%q kind=%s err=%v",
			host.Hostname, host.Address, res.Kind, res.Err,
		)
	}
	written, err := o.cache.SetIfChanged(ctx, host.Hostname, res.Vector.Encode())
	if err != nil {
		logs.Warnf("probe.Orchestrator.probeOne cache hostname=%q err=%v", host.Hostname, err)
		return out
	}
	out.written = written
	return out
}

func canceledOutcome(hostname string) outcome {
	return outcome{
		hostname: hostname,
		vector:   inventory.StatusVector{Status: CanceledStatus, Version: inventory.UnknownVersion},
		canceled: true,
	}
}
