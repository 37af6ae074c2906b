// Package mountdrv implements the §4.1 Mount Driver: it invokes the OS
// mount/unmount helper binaries, sanitizes arguments, passes secrets via
// stdin, classifies results, and verifies a candidate success before
// reporting it. Every child process runs under
// github.com/datawire/dlib/dexec (the teacher's subprocess wrapper, used
// the same way runNatTableCmd wraps iptables in
// pkg/client/rootd/dns/server_linux.go), so cancellation and stdout/
// stderr capture follow the teacher's idiom.
package mountdrv

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/afero"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/errcat"
)

// DefaultTimeout is the §5 mount-helper default timeout.
const DefaultTimeout = 30 * time.Second

const (
	unmountTimeout       = 10 * time.Second
	forcedUnmountTimeout = 15 * time.Second
	sigkillGrace         = 500 * time.Millisecond
)

// MountInspector is the subset of the §4.2 Mount Inspector the Driver
// needs: whether a path is already a live mount, and whether the
// (server, share) pair is mounted somewhere else. Accepting a narrow
// interface here (rather than importing pkg/share/inspect) keeps the
// dependency one-directional.
type MountInspector interface {
	IsMountPoint(ctx context.Context, path string) (bool, error)
	FindMount(ctx context.Context, server, shareName string) (*share.MountRecord, error)
}

// Driver is the §4.1 Mount Driver. Fs abstracts mount-point directory
// creation and post-mount top-level enumeration so tests can run
// against afero.NewMemMapFs(); production wires afero.NewOsFs().
type Driver struct {
	Fs        afero.Fs
	Inspector MountInspector

	// SystemVolumesDir paths under it get directories created directly;
	// other paths go through the scoped-access step described in §4.1
	// (modeled here as AcquireScopedAccess, a no-op unless set).
	SystemVolumesDir string
	// AcquireScopedAccess models the enclosing process's keystore-sibling
	// capability described in §4.1's mount-point preparation for paths
	// outside SystemVolumesDir. Nil means no extra step is needed (the
	// common case on a single-user Linux host).
	AcquireScopedAccess func(ctx context.Context, path string) error

	// pathLocksMu guards pathLocks, the map of per-mount-path locks that
	// serialize helper invocations targeting the same path (§5). Locks
	// are keyed by mount path rather than held globally so that shares
	// proceed in parallel across different paths, per §5's "Across
	// shares, they proceed in parallel" ordering guarantee.
	pathLocksMu sync.Mutex
	pathLocks   map[string]*sync.Mutex
}

// lockForPath returns the mutex serializing helper invocations against
// path, creating it on first use. The map only grows; this is bounded by
// the number of distinct mount paths ever seen, which is bounded by the
// number of configured shares.
func (d *Driver) lockForPath(path string) *sync.Mutex {
	d.pathLocksMu.Lock()
	defer d.pathLocksMu.Unlock()
	if d.pathLocks == nil {
		d.pathLocks = make(map[string]*sync.Mutex)
	}
	mu, ok := d.pathLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		d.pathLocks[path] = mu
	}
	return mu
}

func helperBinary(protocol share.Protocol) (string, error) {
	switch protocol {
	case share.SMB:
		return "mount_smbfs", nil
	case share.AFP:
		return "mount_afp", nil
	case share.NFS:
		return "mount_nfs", nil
	default:
		return "", fmt.Errorf("mountdrv: unknown protocol %q", protocol)
	}
}

func mountOptions(cfg share.ShareConfig) string {
	opts := []string{"soft"}
	if cfg.Hidden {
		opts = append(opts, "nobrowse")
	}
	if cfg.ReadOnly {
		opts = append(opts, "rdonly")
	}
	if cfg.Protocol == share.NFS {
		opts = append(opts, "resvport")
	}
	if cfg.PinnedVersion != "" && (cfg.Protocol == share.SMB || cfg.Protocol == share.NFS) {
		opts = append(opts, "vers="+cfg.PinnedVersion)
	}
	return strings.Join(opts, ",")
}

func mountURL(cfg share.ShareConfig) string {
	server := Sanitize(cfg.ServerAddress)
	shareName := Sanitize(cfg.ShareName)
	user := EncodeUsername(cfg.Username)
	switch cfg.Protocol {
	case share.SMB:
		if user != "" {
			return fmt.Sprintf("//%s@%s/%s", user, server, shareName)
		}
		return fmt.Sprintf("//%s/%s", server, shareName)
	case share.AFP:
		if user != "" {
			return fmt.Sprintf("afp://%s@%s/%s", user, server, shareName)
		}
		return fmt.Sprintf("afp://%s/%s", server, shareName)
	case share.NFS:
		return fmt.Sprintf("%s:/%s", server, shareName)
	default:
		return ""
	}
}

// buildArgs returns the argv (excluding the binary name) for mounting
// cfg at mountPath; hasCredential adds AFP's -i flag so the helper reads
// the password from stdin.
func buildArgs(cfg share.ShareConfig, mountPath string, hasCredential bool) []string {
	args := []string{"-o", mountOptions(cfg)}
	if cfg.Protocol == share.AFP && hasCredential {
		// -i forces interactive credential read from stdin.
		args = append(args, "-i")
	}
	args = append(args, mountURL(cfg), mountPath)
	return args
}

// scrubbedArgs replaces the credential component of any argv element
// containing both "://" and "@" with "***", per §4.1's logging rule.
// SMB argv elements use a bare "//user@host/share" form (no scheme) and
// never carry a password (passwords only ever travel over stdin), so
// they fall outside this rule and pass through unchanged.
func scrubbedArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "://") && strings.Contains(a, "@") {
			out[i] = scrubURLLike(a)
		} else {
			out[i] = a
		}
	}
	return out
}

func scrubURLLike(s string) string {
	schemeIdx := strings.Index(s, "://")
	at := strings.LastIndex(s, "@")
	start := schemeIdx + 3
	if at <= start {
		return s
	}
	cred := s[start:at]
	userOnly := cred
	if colon := strings.Index(cred, ":"); colon >= 0 {
		userOnly = cred[:colon]
	}
	return s[:start] + userOnly + ":***@" + s[at+1:]
}

// prepareMountPoint creates mountPath's directory if missing, choosing
// the direct or scoped-access path per §4.1.
func (d *Driver) prepareMountPoint(ctx context.Context, mountPath string) error {
	exists, err := afero.DirExists(d.Fs, mountPath)
	if err != nil {
		return errcat.MountPathInvalid.WithDetail(err.Error(), err)
	}
	if exists {
		return nil
	}
	if d.SystemVolumesDir != "" && strings.HasPrefix(mountPath, d.SystemVolumesDir) {
		if err := d.Fs.MkdirAll(mountPath, 0o755); err != nil {
			return errcat.MountPathInvalid.WithDetail(err.Error(), err)
		}
		return nil
	}
	if d.AcquireScopedAccess != nil {
		if err := d.AcquireScopedAccess(ctx, mountPath); err != nil {
			return errcat.MountPathInvalid.WithDetail("scoped access denied", err)
		}
	}
	if err := d.Fs.MkdirAll(mountPath, 0o755); err != nil {
		return errcat.MountPathInvalid.WithDetail(err.Error(), err)
	}
	return nil
}

// runHelper executes name with args under a timeout, writing password
// (if any) to stdin. It returns the exit code and captured stderr; err is
// context.DeadlineExceeded when the timeout elapsed, or the start/wait
// error when the helper did not run to an exit status.
func (d *Driver) runHelper(ctx context.Context, name string, args []string, password string, timeout time.Duration) (exitCode int, stderr string, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := dexec.CommandContext(runCtx, name, args...)
	cmd.DisableLogging = true // argv may be echoed with -v by some helpers; never trust it not to contain secrets
	dlog.Debugf(ctx, "mountdrv: running %s %s", name, strings.Join(scrubbedArgs(args), " "))

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf
	if password != "" {
		stdin, pipeErr := cmd.StdinPipe()
		if pipeErr != nil {
			return -1, "", fmt.Errorf("mountdrv: stdin pipe: %w", pipeErr)
		}
		if startErr := cmd.Start(); startErr != nil {
			return -1, "", fmt.Errorf("mountdrv: start %s: %w", name, startErr)
		}
		_, _ = stdin.Write([]byte(password + "\n"))
		_ = stdin.Close()
		err = cmd.Wait()
	} else {
		err = cmd.Run()
	}

	if runCtx.Err() != nil {
		// Timed out: dexec/exec already sent the process's context
		// signal; ensure any process group is fully reaped.
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			time.AfterFunc(sigkillGrace, func() { _ = cmd.Process.Kill() })
		}
		return -1, stderrBuf.String(), context.DeadlineExceeded
	}

	code := 0
	if err != nil {
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			code = exitErr.ExitCode()
		} else {
			return -1, stderrBuf.String(), err
		}
	}
	return code, stderrBuf.String(), nil
}

// classify maps a helper's exit code and stderr to a categorized error,
// or nil for candidate-success.
func classify(exitCode int, stderr string) *errcat.CategorizedError {
	if exitCode == 0 {
		return nil
	}
	lower := strings.ToLower(stderr)
	switch {
	case exitCode == int(syscallEACCES()) ||
		strings.Contains(lower, "authentication error") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "logon_failure"):
		return errcat.AuthFailed.Newf("%s", strings.TrimSpace(stderr))
	case exitCode == int(syscallEEXIST()) || strings.Contains(lower, "file exists"):
		return errcat.AlreadyMounted.Newf("%s", strings.TrimSpace(stderr))
	case strings.Contains(lower, "not empty"):
		return errcat.AlreadyMounted.Newf("%s", strings.TrimSpace(stderr))
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection refused") || strings.Contains(lower, "no route to host") ||
		strings.Contains(lower, "network is unreachable"):
		return errcat.ServerUnreachable.Newf("%s", strings.TrimSpace(stderr))
	default:
		return errcat.MountFailed.Newf("exit %d: %s", exitCode, strings.TrimSpace(stderr))
	}
}

// these indirections exist only so classify's exit-code comparisons read
// as named syscall errors without importing golang.org/x/sys/unix on
// every platform this package might be vetted against.
func syscallEACCES() syscall.Errno { return syscall.EACCES }
func syscallEEXIST() syscall.Errno { return syscall.EEXIST }

// verify checks that mountPath is now a live mount point and that its
// top-level entries can be enumerated.
func (d *Driver) verify(ctx context.Context, mountPath string) error {
	if d.Inspector != nil {
		isMount, err := d.Inspector.IsMountPoint(ctx, mountPath)
		if err != nil || !isMount {
			return errcat.Internal.Newf("mountdrv: verification: not a live mount point")
		}
	}
	if _, err := afero.ReadDir(d.Fs, mountPath); err != nil {
		return errcat.Internal.Newf("mountdrv: verification: cannot enumerate %s: %v", mountPath, err)
	}
	return nil
}

// Mount attempts to mount cfg at its effective mount path, per §4.1.
// cred may be nil for an anonymous mount. timeout bounds the helper
// invocation; DefaultTimeout is used by callers that don't override it.
func (d *Driver) Mount(ctx context.Context, cfg share.ShareConfig, mountPath string, cred *share.Credential, timeout time.Duration) error {
	mu := d.lockForPath(mountPath)
	mu.Lock()
	defer mu.Unlock()
	return d.mount(ctx, cfg, mountPath, cred, timeout, false)
}

// mount holds mountPath's lock for its entire (possibly recursive, one
// level deep) execution; callers must acquire it once before entering.
func (d *Driver) mount(ctx context.Context, cfg share.ShareConfig, mountPath string, cred *share.Credential, timeout time.Duration, isRetry bool) error {
	if err := d.prepareMountPoint(ctx, mountPath); err != nil {
		return err
	}

	binary, err := helperBinary(cfg.Protocol)
	if err != nil {
		return errcat.MountPathInvalid.WithDetail(err.Error(), err)
	}

	password := ""
	if cred != nil {
		password = cred.Password
	}
	args := buildArgs(cfg, mountPath, password != "")

	exitCode, stderr, runErr := d.runHelper(ctx, binary, args, password, timeout)
	if runErr != nil {
		if runErr == context.DeadlineExceeded {
			return errcat.TimeoutExceeded.Newf("mount helper timed out after %s", timeout)
		}
		return errcat.Internal.New(runErr)
	}

	catErr := classify(exitCode, stderr)
	if catErr == nil {
		if verr := d.verify(ctx, mountPath); verr != nil {
			return errcat.Internal.New(verr)
		}
		return nil
	}

	if catErr.Category() == errcat.AlreadyMounted && !isRetry && d.Inspector != nil {
		if rec, findErr := d.Inspector.FindMount(ctx, cfg.ServerAddress, cfg.ShareName); findErr == nil && rec != nil && rec.MountPoint != mountPath {
			return errcat.ShareAlreadyMountedElsewhere.WithDetail(rec.MountPoint, catErr)
		}
		_ = d.unmountLocked(ctx, mountPath, false)
		return d.mount(ctx, cfg, mountPath, cred, timeout, true)
	}

	return catErr
}

// Unmount detaches mountPath: a plain unmount with a 10s timeout, and on
// failure a forced unmount with a 15s timeout.
func (d *Driver) Unmount(ctx context.Context, mountPath string) error {
	mu := d.lockForPath(mountPath)
	mu.Lock()
	defer mu.Unlock()
	return d.unmountLocked(ctx, mountPath, true)
}

func (d *Driver) unmountLocked(ctx context.Context, mountPath string, tryForced bool) error {
	exitCode, stderr, runErr := d.runHelper(ctx, "umount", []string{mountPath}, "", unmountTimeout)
	if runErr == nil && exitCode == 0 {
		return nil
	}
	if !tryForced {
		if runErr == context.DeadlineExceeded {
			return errcat.TimeoutExceeded.Newf("unmount timed out after %s", unmountTimeout)
		}
		return errcat.UnmountFailed.Newf("exit %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	exitCode, stderr, runErr = d.runHelper(ctx, "umount", []string{"-f", mountPath}, "", forcedUnmountTimeout)
	if runErr == nil && exitCode == 0 {
		return nil
	}
	if runErr == context.DeadlineExceeded {
		return errcat.TimeoutExceeded.Newf("forced unmount timed out after %s", forcedUnmountTimeout)
	}
	return errcat.UnmountFailed.Newf("exit %d: %s", exitCode, strings.TrimSpace(stderr))
}

// MountPointForConfig resolves cfg's effective mount path against home,
// joining with filepath so it is valid on the host OS.
func MountPointForConfig(cfg share.ShareConfig, home string) string {
	return filepath.Clean(cfg.EffectiveMountPath(home))
}

