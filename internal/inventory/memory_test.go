package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/fleetctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreEnforcesHostnameUniqueness(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.InsertHost(ctx, Host{Address: "10.0.0.1", Hostname: "alpha"}))
	err := store.InsertHost(ctx, Host{Address: "10.0.0.2", Hostname: "alpha"})
	require.ErrorIs(t, err, ErrDuplicate)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "insert_host", se.Op)
	require.Equal(t, "alpha", se.Hostname)

	h, ok, err := store.FindHostByName(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", h.Address)
	require.Equal(t, UnknownVersion, h.Version)
}

func TestMemoryStoreMasterRowsFollowHosts(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.InsertMaster(ctx, Master{Hostname: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.InsertHost(ctx, Host{Address: "10.0.0.1", Hostname: "alpha", IsMaster: true}))
	require.NoError(t, store.InsertMaster(ctx, Master{Hostname: "alpha"}))
	require.ErrorIs(t, store.InsertMaster(ctx, Master{Hostname: "alpha"}), ErrDuplicate)

	m, ok, err := store.FindMasterByName(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, EmptyVector, m.Vector)

	masters, err := store.ListMasters(ctx)
	require.NoError(t, err)
	require.Len(t, masters, 1)

	require.NoError(t, store.DeleteMaster(ctx, "alpha"))
	require.NoError(t, store.DeleteMaster(ctx, "alpha"))
	masters, err = store.ListMasters(ctx)
	require.NoError(t, err)
	require.Empty(t, masters)
}

func TestMemoryStoreVersionWritesAreConditional(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.InsertHost(ctx, Host{Address: "10.0.0.1", Hostname: "alpha"}))
	before := store.Mutations()
	require.NoError(t, store.SetHostVersion(ctx, "alpha", UnknownVersion))
	require.Equal(t, before, store.Mutations())
	require.NoError(t, store.SetHostVersion(ctx, "alpha", "1.2.3"))
	require.Equal(t, before+1, store.Mutations())
	require.ErrorIs(t, store.SetHostVersion(ctx, "beta", "1.0"), ErrNotFound)
}

func TestMemoryStoreRejectsCanceledContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore()
	require.ErrorIs(t, store.InsertHost(ctx, Host{Hostname: "alpha"}), context.Canceled)
}
