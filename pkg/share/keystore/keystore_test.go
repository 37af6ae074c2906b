package keystore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/keystore"
)

func TestMemoryAdapterRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := keystore.NewMemoryAdapter()
	key := keystore.Key{Server: "10.0.0.5", Username: "alice", Protocol: share.SMB, Port: 445}

	_, err := a.Read(ctx, key)
	require.ErrorIs(t, err, keystore.ErrNotFound)

	require.NoError(t, a.Write(ctx, key, "p@ss"))
	pw, err := a.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "p@ss", pw)

	require.NoError(t, a.Write(ctx, key, "new-pass"))
	pw, err = a.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "new-pass", pw)
}

func TestMemoryAdapterDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := keystore.NewMemoryAdapter()
	key := keystore.Key{Server: "10.0.0.5", Username: "alice", Protocol: share.SMB, Port: 445}

	require.NoError(t, a.Delete(ctx, key))
	require.NoError(t, a.Write(ctx, key, "p@ss"))
	require.NoError(t, a.Delete(ctx, key))
	require.NoError(t, a.Delete(ctx, key))

	_, err := a.Read(ctx, key)
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestKeysAreDistinctByFullTuple(t *testing.T) {
	ctx := context.Background()
	a := keystore.NewMemoryAdapter()
	k1 := keystore.Key{Server: "host", Username: "alice", Protocol: share.SMB, Port: 445}
	k2 := keystore.Key{Server: "host", Username: "alice", Protocol: share.AFP, Port: 548}

	require.NoError(t, a.Write(ctx, k1, "smb-pass"))
	require.NoError(t, a.Write(ctx, k2, "afp-pass"))

	pw1, err := a.Read(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, "smb-pass", pw1)

	pw2, err := a.Read(ctx, k2)
	require.NoError(t, err)
	require.Equal(t, "afp-pass", pw2)
}
