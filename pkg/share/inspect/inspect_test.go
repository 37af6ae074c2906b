package inspect_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share/inspect"
)

const sampleMountInfo = `36 35 98:0 / /mnt/data rw,relatime shared:1 - cifs //alice@10.0.0.5/data rw
37 35 98:1 / / rw,relatime shared:2 - ext4 /dev/sda1 rw
38 35 0:32 / /mnt/ro-nfs ro,relatime shared:3 - nfs 10.0.0.6:/export ro
`

func writeMountInfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestListAllMountsParsesNetworkAndLocal(t *testing.T) {
	ctx := context.Background()
	insp := inspect.NewUnixInspectorWithMountInfoPath(writeMountInfo(t, sampleMountInfo))
	all, err := insp.ListAllMounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	byPoint := map[string]int{}
	for i, r := range all {
		byPoint[r.MountPoint] = i
	}

	cifs := all[byPoint["/mnt/data"]]
	require.True(t, cifs.IsNetwork())
	require.Equal(t, "//alice@10.0.0.5/data", cifs.Source)
	require.False(t, cifs.IsReadOnly)

	local := all[byPoint["/"]]
	require.False(t, local.IsNetwork())

	ro := all[byPoint["/mnt/ro-nfs"]]
	require.True(t, ro.IsNetwork())
	require.True(t, ro.IsReadOnly)
}

func TestGetMountInfoMatchesByCanonicalPath(t *testing.T) {
	ctx := context.Background()
	insp := inspect.NewUnixInspectorWithMountInfoPath(writeMountInfo(t, sampleMountInfo))
	rec, err := insp.GetMountInfo(ctx, "/mnt/data")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "cifs", rec.FSType)

	missing, err := insp.GetMountInfo(ctx, "/mnt/nonexistent")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestFindMountIsCaseInsensitiveSubstringMatch(t *testing.T) {
	ctx := context.Background()
	insp := inspect.NewUnixInspectorWithMountInfoPath(writeMountInfo(t, sampleMountInfo))

	rec, err := insp.FindMount(ctx, "10.0.0.5", "DATA")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "/mnt/data", rec.MountPoint)

	rec, err = insp.FindMount(ctx, "10.0.0.6", "export")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "/mnt/ro-nfs", rec.MountPoint)

	rec, err = insp.FindMount(ctx, "nowhere", "nothing")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestIsNetworkMountReflectsFSType(t *testing.T) {
	ctx := context.Background()
	insp := inspect.NewUnixInspectorWithMountInfoPath(writeMountInfo(t, sampleMountInfo))

	isNet, err := insp.IsNetworkMount(ctx, "/mnt/data")
	require.NoError(t, err)
	require.True(t, isNet)

	isNet, err = insp.IsNetworkMount(ctx, "/")
	require.NoError(t, err)
	require.False(t, isNet)
}

func TestIsMountPointFalseForOrdinaryDirectory(t *testing.T) {
	ctx := context.Background()
	insp := inspect.NewUnixInspectorWithMountInfoPath(writeMountInfo(t, sampleMountInfo))
	dir := t.TempDir()
	isMount, err := insp.IsMountPoint(ctx, dir)
	require.NoError(t, err)
	require.False(t, isMount, "an ordinary temp directory shares its parent's device, so it is not a mount point")
}

func TestClearDropsCache(t *testing.T) {
	ctx := context.Background()
	path := writeMountInfo(t, sampleMountInfo)
	insp := inspect.NewUnixInspectorWithMountInfoPath(path)

	_, err := insp.GetMountInfo(ctx, "/mnt/data")
	require.NoError(t, err)

	// Rewrite the backing file to remove the entry; without Clear the
	// cached answer would still be returned for up to 5s.
	require.NoError(t, os.WriteFile(path, []byte("37 35 98:1 / / rw,relatime shared:2 - ext4 /dev/sda1 rw\n"), 0o644))
	insp.Clear()

	rec, err := insp.GetMountInfo(ctx, "/mnt/data")
	require.NoError(t, err)
	require.Nil(t, rec)
}
