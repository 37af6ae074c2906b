package mountdrv_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/errcat"
	"github.com/sharewatch/sharewatchd/pkg/share/mountdrv"
)

// fakeInspector is a hand-authored test double for mountdrv.MountInspector,
// in the gomock tradition the teacher carries golang/mock for, without a
// generated-code shape since no generator is invoked in this workspace.
type fakeInspector struct {
	isMountPoint map[string]bool
	found        *share.MountRecord
}

func (f *fakeInspector) IsMountPoint(_ context.Context, path string) (bool, error) {
	return f.isMountPoint[path], nil
}

func (f *fakeInspector) FindMount(_ context.Context, _, _ string) (*share.MountRecord, error) {
	return f.found, nil
}

// installFakeHelper writes an executable shell script named name into a
// directory prepended to PATH, so dexec.CommandContext resolves it
// instead of a real mount helper.
func installFakeHelper(t *testing.T, name, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	oldPath := os.Getenv("PATH")
	require.NoError(t, os.Setenv("PATH", dir+":"+oldPath))
	t.Cleanup(func() { _ = os.Setenv("PATH", oldPath) })
}

func testCfg() share.ShareConfig {
	cfg := share.NewShareConfig(share.SMB, "10.0.0.5", "data")
	cfg.Username = "alice"
	return cfg
}

func TestMountHappyPath(t *testing.T) {
	installFakeHelper(t, "mount_smbfs", "exit 0")
	ctx := dlog.NewTestContext(t, false)

	fs := afero.NewMemMapFs()
	mountPath := "/mnt/data"
	require.NoError(t, fs.MkdirAll(mountPath, 0o755))

	insp := &fakeInspector{isMountPoint: map[string]bool{mountPath: true}}
	d := &mountdrv.Driver{Fs: fs, Inspector: insp}

	cred := &share.Credential{Server: "10.0.0.5", Username: "alice", Password: "p@ss", Port: 445, Protocol: share.SMB}
	err := d.Mount(ctx, testCfg(), mountPath, cred, 5*time.Second)
	require.NoError(t, err)
}

func TestMountAuthFailure(t *testing.T) {
	installFakeHelper(t, "mount_smbfs", `echo "Authentication error" >&2; exit 13`)
	ctx := dlog.NewTestContext(t, false)

	fs := afero.NewMemMapFs()
	mountPath := "/mnt/data"
	require.NoError(t, fs.MkdirAll(mountPath, 0o755))

	d := &mountdrv.Driver{Fs: fs, Inspector: &fakeInspector{}}
	cred := &share.Credential{Password: "wrong"}
	err := d.Mount(ctx, testCfg(), mountPath, cred, 5*time.Second)
	require.Error(t, err)
	require.True(t, errcat.Is(err, errcat.AuthFailed))
	require.True(t, errcat.IsTerminal(err))
}

func TestMountAlreadyMountedElsewhere(t *testing.T) {
	installFakeHelper(t, "mount_smbfs", `echo "File exists" >&2; exit 17`)
	ctx := dlog.NewTestContext(t, false)

	fs := afero.NewMemMapFs()
	mountPath := "/mnt/data"
	require.NoError(t, fs.MkdirAll(mountPath, 0o755))

	insp := &fakeInspector{found: &share.MountRecord{MountPoint: "/Volumes/old"}}
	d := &mountdrv.Driver{Fs: fs, Inspector: insp}
	cred := &share.Credential{Password: "p@ss"}
	err := d.Mount(ctx, testCfg(), mountPath, cred, 5*time.Second)
	require.Error(t, err)
	cat, ok := errcat.Of(err)
	require.True(t, ok)
	require.Equal(t, errcat.ShareAlreadyMountedElsewhere, cat)

	var ce *errcat.CategorizedError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "/Volumes/old", ce.Detail())
}

func TestMountHelperTimesOut(t *testing.T) {
	installFakeHelper(t, "mount_smbfs", "sleep 5")
	ctx := dlog.NewTestContext(t, false)

	fs := afero.NewMemMapFs()
	mountPath := "/mnt/data"
	require.NoError(t, fs.MkdirAll(mountPath, 0o755))

	d := &mountdrv.Driver{Fs: fs, Inspector: &fakeInspector{}}
	cred := &share.Credential{Password: "p@ss"}
	err := d.Mount(ctx, testCfg(), mountPath, cred, 200*time.Millisecond)
	require.Error(t, err)
	require.True(t, errcat.Is(err, errcat.TimeoutExceeded))
}

func TestUnmountFallsBackToForced(t *testing.T) {
	installFakeHelper(t, "umount", `
if [ "$1" = "-f" ]; then
  exit 0
fi
exit 1
`)
	ctx := dlog.NewTestContext(t, false)
	d := &mountdrv.Driver{Fs: afero.NewMemMapFs(), Inspector: &fakeInspector{}}
	err := d.Unmount(ctx, "/mnt/data")
	require.NoError(t, err)
}
