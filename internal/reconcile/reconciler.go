package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/fleetctl/internal/config"
	"github.com/danmuck/fleetctl/internal/inventory"
	logs "github.com/danmuck/fleetctl/internal/logging"
)

var ErrStoreRequired = errors.New("reconcile: store required")

// Config names the documents ReconcileFiles loads.
type Config struct {
	SectorsPath string
	MastersPath string
}

// Report summarizes one run. Inserted, Updated and Deleted count every
// store mutation; Deleted only ever counts Master rows.
type Report struct {
	RunID           string        `json:"run_id"`
	Inserted        int           `json:"inserted"`
	Updated         int           `json:"updated"`
	Deleted         int           `json:"deleted"`
	Skipped         int           `json:"skipped"`
	MastersInserted int           `json:"masters_inserted"`
	StoreErrors     int           `json:"store_errors"`
	Warnings        []string      `json:"warnings,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Mutations is the total number of store writes the run performed.
func (r Report) Mutations() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Reconciler syncs the inventory store with the declarative documents.
// Runs through one Reconciler are serialized.
type Reconciler struct {
	store inventory.Store
	cfg   Config
	mu    sync.Mutex
}

func New(store inventory.Store, cfg Config) (*Reconciler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	return &Reconciler{store: store, cfg: cfg}, nil
}

// ReconcileFiles loads both documents from disk and reconciles them.
// A masters load failure degrades to a warning.
func (r *Reconciler) ReconcileFiles(ctx context.Context) (Report, error) {
	sectors, err := config.LoadSectorDocument(r.cfg.SectorsPath)
	if err != nil {
		logs.Errf("reconcile.Reconciler.ReconcileFiles sectors path=%q err=%v", r.cfg.SectorsPath, err)
		return Report{}, err
	}
	masters, mastersErr := config.LoadMasterDocument(r.cfg.MastersPath)
	return r.Reconcile(ctx, sectors, masters, mastersErr)
}

// Reconcile applies one merged target set to the store. The returned error
// is non-nil only for a missing sectors document or cancellation; per-record
// store failures are counted in the report.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	sectors *config.SectorDocument,
	masters *config.MasterDocument,
	mastersErr error,
) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	rep := Report{RunID: uuid.NewString()}
	if sectors == nil {
		return rep, &config.ConfigError{Document: config.DocumentSectors, Err: config.ErrSectorsMissing}
	}
	if mastersErr != nil || masters == nil {
		if mastersErr == nil {
			mastersErr = &config.ConfigError{Document: config.DocumentMasters, Err: config.ErrMastersMalformed}
		}
		logs.Warnf("reconcile.Reconciler.Reconcile run_id=%s masters unavailable err=%v", rep.RunID, mastersErr)
		rep.Warnings = append(rep.Warnings, mastersErr.Error())
		masters = nil
	}

	p := buildPlan(sectors, masters)
	rep.Skipped = p.skipped
	rep.Warnings = append(rep.Warnings, p.warnings...)

	for _, hostname := range p.order() {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			logs.Warnf("reconcile.Reconciler.Reconcile run_id=%s canceled err=%v", rep.RunID, err)
			return rep, err
		}
		if err := r.apply(ctx, p.targets[hostname], &rep); err != nil {
			rep.StoreErrors++
			logs.Errf("reconcile.Reconciler.Reconcile run_id=%s hostname=%q err=%v", rep.RunID, hostname, err)
		}
	}

	rep.Duration = time.Since(start)
	logs.Infof(
		"reconcile.Reconciler.Reconcile run_id=%s targets=%d inserted=%d updated=%d deleted=%d skipped=%d store_errors=%d duration=%s",
		rep.RunID,
		len(p.targets),
		rep.Inserted,
		rep.Updated,
		rep.Deleted,
		rep.Skipped,
		rep.StoreErrors,
		rep.Duration,
	)
	return rep, nil
}

// apply syncs one host row and then its master row.
func (r *Reconciler) apply(ctx context.Context, t *target, rep *Report) error {
	existing, found, err := r.store.FindHostByName(ctx, t.Hostname)
	if err != nil {
		return err
	}
	if !found {
		err := r.store.InsertHost(ctx, inventory.Host{
			Address:  t.Address,
			Hostname: t.Hostname,
			Version:  inventory.UnknownVersion,
			IsMaster: t.IsMaster,
			Sectors:  t.Sectors(),
		})
		switch {
		case err == nil:
			rep.Inserted++
			logs.Debugf("reconcile.apply inserted hostname=%q master=%v", t.Hostname, t.IsMaster)
		case errors.Is(err, inventory.ErrDuplicate):
			// Another run inserted the row first; reconcile against it.
			existing, found, err = r.store.FindHostByName(ctx, t.Hostname)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("reconcile: host %q vanished after duplicate insert", t.Hostname)
			}
		default:
			return err
		}
	}
	if found {
		if err := r.update(ctx, existing, t, rep); err != nil {
			return err
		}
	}
	return r.syncMaster(ctx, t, rep)
}

// update writes the host only when a reconciled field differs. Version is
// carried through from the stored row.
func (r *Reconciler) update(ctx context.Context, existing inventory.Host, t *target, rep *Report) error {
	changed := changedFields(existing, t)
	if len(changed) == 0 {
		return nil
	}
	next := inventory.Host{
		Address:  t.Address,
		Hostname: existing.Hostname,
		Version:  existing.Version,
		IsMaster: t.IsMaster,
		Sectors:  t.Sectors(),
	}
	if err := r.store.UpdateHost(ctx, next); err != nil {
		return err
	}
	rep.Updated++
	logs.Debugf("reconcile.update hostname=%q fields=%s", t.Hostname, strings.Join(changed, ","))
	return nil
}

func changedFields(existing inventory.Host, t *target) []string {
	changed := make([]string, 0, 3)
	if existing.Address != t.Address {
		changed = append(changed, "address")
	}
	if existing.IsMaster != t.IsMaster {
		changed = append(changed, "is_master")
	}
	if !inventory.SameSectors(existing.Sectors, t.Sectors()) {
		changed = append(changed, "sectors")
	}
	return changed
}

// syncMaster keeps the Master row in step with the host's master flag.
func (r *Reconciler) syncMaster(ctx context.Context, t *target, rep *Report) error {
	_, found, err := r.store.FindMasterByName(ctx, t.Hostname)
	if err != nil {
		return err
	}
	switch {
	case t.IsMaster && !found:
		err := r.store.InsertMaster(ctx, inventory.Master{Hostname: t.Hostname, Vector: inventory.EmptyVector})
		if errors.Is(err, inventory.ErrDuplicate) {
			return nil
		}
		if err != nil {
			return err
		}
		rep.Inserted++
		rep.MastersInserted++
		logs.Debugf("reconcile.syncMaster promoted hostname=%q", t.Hostname)
	case !t.IsMaster && found:
		if err := r.store.DeleteMaster(ctx, t.Hostname); err != nil {
			return err
		}
		rep.Deleted++
		logs.Debugf("reconcile.syncMaster demoted hostname=%q", t.Hostname)
	}
	return nil
}
