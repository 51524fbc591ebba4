// Package pgstore persists the inventory in PostgreSQL through pgxpool.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/danmuck/fleetctl/internal/inventory"
	logs "github.com/danmuck/fleetctl/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of pgxpool.Pool the store relies on.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is an inventory.Store on top of a PostgreSQL pool.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

var _ inventory.Store = (*Store)(nil)

// Open connects to url, verifies the connection and applies migrations.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies every embedded *.up.sql file in name order.
// Statements are written to be re-runnable.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("pgstore: read %s: %w", name, err)
		}
		for idx, stmt := range splitStatements(string(content)) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("pgstore: statement %d in %s failed: %w", idx+1, name, err)
			}
		}
		logs.Debugf("pgstore.Store.Migrate applied migration=%q", name)
	}
	return nil
}

func (s *Store) FindHostByName(ctx context.Context, hostname string) (inventory.Host, bool, error) {
	var h inventory.Host
	err := s.db.QueryRow(ctx,
		`SELECT address, hostname, version, is_master, sectors FROM hosts WHERE hostname = $1`,
		strings.TrimSpace(hostname),
	).Scan(&h.Address, &h.Hostname, &h.Version, &h.IsMaster, &h.Sectors)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Host{}, false, nil
	}
	if err != nil {
		return inventory.Host{}, false, wrap("find_host", hostname, err)
	}
	h.Sectors = inventory.NormalizeSectors(h.Sectors)
	return h, true, nil
}

func (s *Store) InsertHost(ctx context.Context, host inventory.Host) error {
	version := strings.TrimSpace(host.Version)
	if version == "" {
		version = inventory.UnknownVersion
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO hosts (address, hostname, version, is_master, sectors)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hostname) DO NOTHING`,
		host.Address, strings.TrimSpace(host.Hostname), version, host.IsMaster,
		inventory.NormalizeSectors(host.Sectors),
	)
	if err != nil {
		return wrap("insert_host", host.Hostname, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("insert_host", host.Hostname, inventory.ErrDuplicate)
	}
	return nil
}

// UpdateHost writes address, role and sectors. Version is owned by probing.
func (s *Store) UpdateHost(ctx context.Context, host inventory.Host) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE hosts SET address = $2, is_master = $3, sectors = $4, updated_at = now()
		 WHERE hostname = $1`,
		strings.TrimSpace(host.Hostname), host.Address, host.IsMaster,
		inventory.NormalizeSectors(host.Sectors),
	)
	if err != nil {
		return wrap("update_host", host.Hostname, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("update_host", host.Hostname, inventory.ErrNotFound)
	}
	return nil
}

func (s *Store) ListHosts(ctx context.Context) ([]inventory.Host, error) {
	rows, err := s.db.Query(ctx,
		`SELECT address, hostname, version, is_master, sectors FROM hosts ORDER BY hostname`)
	if err != nil {
		return nil, wrap("list_hosts", "", err)
	}
	return collectHosts(rows, "list_hosts")
}

func (s *Store) SetHostVersion(ctx context.Context, hostname, version string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE hosts SET version = $2, updated_at = now()
		 WHERE hostname = $1 AND version IS DISTINCT FROM $2`,
		strings.TrimSpace(hostname), version,
	)
	if err != nil {
		return wrap("set_host_version", hostname, err)
	}
	if tag.RowsAffected() == 0 {
		if _, ok, err := s.FindHostByName(ctx, hostname); err != nil {
			return err
		} else if !ok {
			return wrap("set_host_version", hostname, inventory.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) FindMasterByName(ctx context.Context, hostname string) (inventory.Master, bool, error) {
	var m inventory.Master
	err := s.db.QueryRow(ctx,
		`SELECT hostname, vector FROM masters WHERE hostname = $1`,
		strings.TrimSpace(hostname),
	).Scan(&m.Hostname, &m.Vector)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Master{}, false, nil
	}
	if err != nil {
		return inventory.Master{}, false, wrap("find_master", hostname, err)
	}
	return m, true, nil
}

func (s *Store) InsertMaster(ctx context.Context, master inventory.Master) error {
	vector := strings.TrimSpace(master.Vector)
	if vector == "" {
		vector = inventory.EmptyVector
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO masters (hostname, vector) VALUES ($1, $2)
		 ON CONFLICT (hostname) DO NOTHING`,
		strings.TrimSpace(master.Hostname), vector,
	)
	if err != nil {
		return wrap("insert_master", master.Hostname, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("insert_master", master.Hostname, inventory.ErrDuplicate)
	}
	return nil
}

func (s *Store) DeleteMaster(ctx context.Context, hostname string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM masters WHERE hostname = $1`, strings.TrimSpace(hostname)); err != nil {
		return wrap("delete_master", hostname, err)
	}
	return nil
}

func (s *Store) ListMasters(ctx context.Context) ([]inventory.Host, error) {
	rows, err := s.db.Query(ctx,
		`SELECT h.address, h.hostname, h.version, h.is_master, h.sectors
		 FROM masters m JOIN hosts h ON h.hostname = m.hostname
		 WHERE h.is_master
		 ORDER BY h.hostname`)
	if err != nil {
		return nil, wrap("list_masters", "", err)
	}
	return collectHosts(rows, "list_masters")
}

func collectHosts(rows pgx.Rows, op string) ([]inventory.Host, error) {
	defer rows.Close()
	out := make([]inventory.Host, 0)
	for rows.Next() {
		var h inventory.Host
		if err := rows.Scan(&h.Address, &h.Hostname, &h.Version, &h.IsMaster, &h.Sectors); err != nil {
			return nil, wrap(op, "", err)
		}
		h.Sectors = inventory.NormalizeSectors(h.Sectors)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, "", err)
	}
	return out, nil
}

// wrap maps constraint violations onto inventory sentinels.
func wrap(op, hostname string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			err = fmt.Errorf("%w: %s", inventory.ErrDuplicate, pgErr.ConstraintName)
		case foreignKeyViolation:
			err = fmt.Errorf("%w: %s", inventory.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return inventory.WrapStoreError(op, strings.TrimSpace(hostname), err)
}

func splitStatements(content string) []string {
	parts := strings.Split(content, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
