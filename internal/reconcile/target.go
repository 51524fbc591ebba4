package reconcile

import (
	"fmt"
	"sort"

	"github.com/danmuck/fleetctl/internal/config"
	"github.com/danmuck/fleetctl/internal/inventory"
)

// target is the desired state for one hostname.
type target struct {
	Address  string
	Hostname string
	IsMaster bool
	sectors  map[string]struct{}
}

func (t *target) Sectors() []string {
	out := make([]string, 0, len(t.sectors))
	for name := range t.sectors {
		out = append(out, name)
	}
	return inventory.NormalizeSectors(out)
}

// plan is the merged target set plus what was dropped while building it.
type plan struct {
	targets  map[string]*target
	skipped  int
	warnings []string
}

// order returns hostnames sorted so runs touch rows deterministically.
func (p *plan) order() []string {
	out := make([]string, 0, len(p.targets))
	for name := range p.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *plan) upsert(address, hostname string) *target {
	t, ok := p.targets[hostname]
	if !ok {
		t = &target{Hostname: hostname, sectors: make(map[string]struct{})}
		p.targets[hostname] = t
	}
	t.Address = address
	return t
}

func (p *plan) warn(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// buildPlan merges sectors then masters. masters may be nil when the
// masters document is unavailable.
func buildPlan(sectors *config.SectorDocument, masters *config.MasterDocument) *plan {
	p := &plan{targets: make(map[string]*target)}
	for _, sector := range sectors.Sectors {
		if sector.Malformed {
			p.skipped++
			p.warn("sector %q has no hosts list", sector.Name)
			continue
		}
		for _, entry := range sector.Hosts {
			address, hostname, ok := config.SplitHostEntry(entry)
			if !ok {
				p.skipped++
				p.warn("sector %q entry %q skipped", sector.Name, entry)
				continue
			}
			t := p.upsert(address, hostname)
			t.sectors[sector.Name] = struct{}{}
		}
	}
	if masters == nil {
		return p
	}
	for _, entry := range masters.Hosts {
		address, hostname, ok := config.SplitHostEntry(entry)
		if !ok {
			p.skipped++
			p.warn("master entry %q skipped", entry)
			continue
		}
		p.upsert(address, hostname).IsMaster = true
	}
	return p
}
