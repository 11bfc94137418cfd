package dht

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/linkfile"
)

func TestGetVirtualXattrPathinfoListsSlices(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	tc.Lookup(context.Background(), "/", "__prime__")
	subvol := hashedSubvol(t, tc, "f")
	tc.fakes[subvol].PutFile("/f", 0o644, [16]byte{1}, nil, []byte("x"))

	out, err := tc.GetVirtualXattr(context.Background(), "/", "f", XattrPathinfo)
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.Contains(s, "DISTRIBUTE"))
	assert.True(t, strings.Contains(s, subvol))
}

func TestGetVirtualXattrLinkinfoReturnsTarget(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	hashedName := hashedSubvolFromFreshLayout(t, tc, "ptr")
	cachedName := "a"
	if hashedName == "a" {
		cachedName = "b"
	}
	gfid := [16]byte{7}
	tc.fakes[hashedName].PutFile("/ptr", 0o1000, gfid, map[string][]byte{linkfile.XattrName: []byte(cachedName)}, nil)

	out, err := tc.GetVirtualXattr(context.Background(), "/", "ptr", XattrLinkinfo)
	require.NoError(t, err)
	assert.Equal(t, cachedName, string(out))
}

func TestGetVirtualXattrUnknownKeyFallsThrough(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	_, err := tc.GetVirtualXattr(context.Background(), "/", "f", "trusted.unrelated")
	assert.ErrorIs(t, err, dhterrors.ErrInvalid)
}

func TestSetVirtualXattrDecommissionBrick(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	err := tc.SetVirtualXattr(context.Background(), "/", "", XattrDecommissionBrick, []byte("a"))
	require.NoError(t, err)
	assert.True(t, tc.Handle("a").IsDecommissioned())
}

func TestSetVirtualXattrFixLayout(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	err := tc.SetVirtualXattr(context.Background(), "/", "", XattrFixLayout, nil)
	require.NoError(t, err)
	assert.NotNil(t, tc.cachedLayout("/"))
}

func TestSetVirtualXattrMigrateDataMovesFile(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	tc.Lookup(context.Background(), "/", "__prime__")
	src := hashedSubvol(t, tc, "big.bin")
	dst := "a"
	if src == "a" {
		dst = "b"
	}
	tc.fakes[src].PutFile("/big.bin", 0o644, [16]byte{3}, nil, []byte("payload"))

	err := tc.SetVirtualXattr(context.Background(), "/", "big.bin", XattrMigrateData, []byte(dst+":force"))
	require.NoError(t, err)

	out := tc.Lookup(context.Background(), "/", "big.bin")
	require.NoError(t, out.Err)
	assert.Equal(t, dst, out.CachedSubvol)
}

// hashedSubvolFromFreshLayout is like hashedSubvol but triggers the
// directory fan-out itself rather than assuming the caller primed it.
func hashedSubvolFromFreshLayout(t *testing.T, tc *testCluster, name string) string {
	t.Helper()
	tc.Lookup(context.Background(), "/", "__prime__")
	return hashedSubvol(t, tc, name)
}
