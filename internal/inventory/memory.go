package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process Store backed by guarded maps.
type MemoryStore struct {
	mu        sync.RWMutex
	hosts     map[string]Host
	masters   map[string]Master
	mutations atomic.Uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory inventory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts:   make(map[string]Host),
		masters: make(map[string]Master),
	}
}

// Mutations returns the number of successful writes applied so far.
func (s *MemoryStore) Mutations() uint64 {
	return s.mutations.Load()
}

func (s *MemoryStore) FindHostByName(ctx context.Context, hostname string) (Host, bool, error) {
	if err := ctx.Err(); err != nil {
		return Host{}, false, storeErr("find_host", hostname, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[strings.TrimSpace(hostname)]
	if !ok {
		return Host{}, false, nil
	}
	return cloneHost(h), true, nil
}

func (s *MemoryStore) InsertHost(ctx context.Context, host Host) error {
	name := strings.TrimSpace(host.Hostname)
	if err := s.precheck(ctx, "insert_host", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[name]; ok {
		return storeErr("insert_host", name, ErrDuplicate)
	}
	host.Hostname = name
	if strings.TrimSpace(host.Version) == "" {
		host.Version = UnknownVersion
	}
	s.hosts[name] = cloneHost(host)
	s.mutations.Add(1)
	return nil
}

func (s *MemoryStore) UpdateHost(ctx context.Context, host Host) error {
	name := strings.TrimSpace(host.Hostname)
	if err := s.precheck(ctx, "update_host", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[name]; !ok {
		return storeErr("update_host", name, ErrNotFound)
	}
	host.Hostname = name
	s.hosts[name] = cloneHost(host)
	s.mutations.Add(1)
	return nil
}

func (s *MemoryStore) ListHosts(ctx context.Context) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list_hosts", "", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, cloneHost(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (s *MemoryStore) SetHostVersion(ctx context.Context, hostname, version string) error {
	name := strings.TrimSpace(hostname)
	if err := s.precheck(ctx, "set_host_version", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[name]
	if !ok {
		return storeErr("set_host_version", name, ErrNotFound)
	}
	if h.Version == version {
		return nil
	}
	h.Version = version
	s.hosts[name] = h
	s.mutations.Add(1)
	return nil
}

func (s *MemoryStore) FindMasterByName(ctx context.Context, hostname string) (Master, bool, error) {
	if err := ctx.Err(); err != nil {
		return Master{}, false, storeErr("find_master", hostname, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.masters[strings.TrimSpace(hostname)]
	return m, ok, nil
}

func (s *MemoryStore) InsertMaster(ctx context.Context, master Master) error {
	name := strings.TrimSpace(master.Hostname)
	if err := s.precheck(ctx, "insert_master", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masters[name]; ok {
		return storeErr("insert_master", name, ErrDuplicate)
	}
	if _, ok := s.hosts[name]; !ok {
		return storeErr("insert_master", name, fmt.Errorf("%w: host row missing", ErrNotFound))
	}
	master.Hostname = name
	if strings.TrimSpace(master.Vector) == "" {
		master.Vector = EmptyVector
	}
	s.masters[name] = master
	s.mutations.Add(1)
	return nil
}

func (s *MemoryStore) DeleteMaster(ctx context.Context, hostname string) error {
	name := strings.TrimSpace(hostname)
	if err := s.precheck(ctx, "delete_master", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masters[name]; !ok {
		return nil
	}
	delete(s.masters, name)
	s.mutations.Add(1)
	return nil
}

// ListMasters returns the Host rows that currently hold a Master row.
func (s *MemoryStore) ListMasters(ctx context.Context) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list_masters", "", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Host, 0, len(s.masters))
	for name := range s.masters {
		h, ok := s.hosts[name]
		if !ok || !h.IsMaster {
			continue
		}
		out = append(out, cloneHost(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (s *MemoryStore) precheck(ctx context.Context, op, hostname string) error {
	if err := ctx.Err(); err != nil {
		return storeErr(op, hostname, err)
	}
	if hostname == "" {
		return storeErr(op, hostname, ErrHostname)
	}
	return nil
}
