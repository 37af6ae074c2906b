package recovery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/recovery"
)

type fakeUnmounter struct {
	calls []string
	err   error
}

func (f *fakeUnmounter) Unmount(_ context.Context, mountPath string) error {
	f.calls = append(f.calls, mountPath)
	return f.err
}

func cfgWithShare(name string) share.ShareConfig {
	return share.ShareConfig{ID: name, Protocol: share.SMB, ServerAddress: "10.0.0.5", ShareName: name}
}

func TestCleanStartupWritesRecordWithoutSweeping(t *testing.T) {
	fs := afero.NewMemMapFs()
	unmounter := &fakeUnmounter{}
	r := recovery.New(fs, "/var/lib/sharewatchd/startup.json", unmounter)

	err := r.Run(context.Background(), []share.ShareConfig{cfgWithShare("data")}, "/home/alice")
	require.NoError(t, err)
	require.Empty(t, unmounter.calls)

	exists, err := afero.Exists(fs, "/var/lib/sharewatchd/startup.json")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStaleRecordForceUnmountsUnenumerableMount(t *testing.T) {
	fs := afero.NewMemMapFs()
	recordPath := "/var/lib/sharewatchd/startup.json"
	require.NoError(t, afero.WriteFile(fs, recordPath, []byte(`{"pid":1}`), 0o600))

	mountPath := "/home/alice/NetworkDrives/data"
	require.NoError(t, fs.MkdirAll(mountPath, 0o755))
	// A MemMapFs directory that exists and CAN be enumerated is, per the
	// spec's test, a live healthy mount: simulate the unenumerable case
	// by using an afero layer that fails ReadDir for this one path.
	broken := &readDirFailsFs{Fs: fs, failPath: mountPath}

	unmounter := &fakeUnmounter{}
	r := recovery.New(broken, recordPath, unmounter)

	cfg := cfgWithShare("data")
	err := r.Run(context.Background(), []share.ShareConfig{cfg}, "/home/alice")
	require.NoError(t, err)
	require.Equal(t, []string{mountPath}, unmounter.calls)
}

func TestHealthyMountIsLeftAlone(t *testing.T) {
	fs := afero.NewMemMapFs()
	recordPath := "/var/lib/sharewatchd/startup.json"
	require.NoError(t, afero.WriteFile(fs, recordPath, []byte(`{"pid":1}`), 0o600))

	mountPath := "/home/alice/NetworkDrives/data"
	require.NoError(t, fs.MkdirAll(mountPath, 0o755))

	unmounter := &fakeUnmounter{}
	r := recovery.New(fs, recordPath, unmounter)

	err := r.Run(context.Background(), []share.ShareConfig{cfgWithShare("data")}, "/home/alice")
	require.NoError(t, err)
	require.Empty(t, unmounter.calls)
}

func TestClearRemovesRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	recordPath := "/var/lib/sharewatchd/startup.json"
	require.NoError(t, afero.WriteFile(fs, recordPath, []byte(`{}`), 0o600))

	r := recovery.New(fs, recordPath, &fakeUnmounter{})
	require.NoError(t, r.Clear())

	exists, err := afero.Exists(fs, recordPath)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, r.Clear(), "clearing an already-absent record must be idempotent")
}

func TestSweepAggregatesForceUnmountFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	recordPath := "/var/lib/sharewatchd/startup.json"
	require.NoError(t, afero.WriteFile(fs, recordPath, []byte(`{}`), 0o600))

	mountA := "/home/alice/NetworkDrives/a"
	mountB := "/home/alice/NetworkDrives/b"
	require.NoError(t, fs.MkdirAll(mountA, 0o755))
	require.NoError(t, fs.MkdirAll(mountB, 0o755))
	broken := &readDirFailsFs{Fs: fs, failPaths: map[string]bool{mountA: true, mountB: true}}

	unmounter := &fakeUnmounter{err: errors.New("unmount helper exited 1")}
	r := recovery.New(broken, recordPath, unmounter)

	err := r.Run(context.Background(), []share.ShareConfig{cfgWithShare("a"), cfgWithShare("b")}, "/home/alice")
	require.Error(t, err)
	require.Len(t, unmounter.calls, 2)
}

// readDirFailsFs wraps an afero.Fs and makes Open (which afero.ReadDir
// uses internally via Readdir) fail for the configured path(s), without
// affecting Stat/MkdirAll so DirExists still reports the path present.
type readDirFailsFs struct {
	afero.Fs
	failPath  string
	failPaths map[string]bool
}

func (r *readDirFailsFs) fails(name string) bool {
	if r.failPath != "" && name == r.failPath {
		return true
	}
	return r.failPaths[name]
}

func (r *readDirFailsFs) Open(name string) (afero.File, error) {
	if r.fails(name) {
		return nil, errors.New("simulated ESTALE: stale NFS file handle")
	}
	return r.Fs.Open(name)
}
