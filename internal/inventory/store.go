package inventory

import "context"

// Store is the persistence boundary consumed by reconciliation and probing.
// Lookups return found=false with a nil error when the row is absent.
type Store interface {
	FindHostByName(ctx context.Context, hostname string) (Host, bool, error)
	InsertHost(ctx context.Context, host Host) error
	UpdateHost(ctx context.Context, host Host) error
	ListHosts(ctx context.Context) ([]Host, error)
	SetHostVersion(ctx context.Context, hostname, version string) error

	FindMasterByName(ctx context.Context, hostname string) (Master, bool, error)
	InsertMaster(ctx context.Context, master Master) error
	DeleteMaster(ctx context.Context, hostname string) error
	ListMasters(ctx context.Context) ([]Host, error)
}
