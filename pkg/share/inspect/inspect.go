// Package inspect implements the §4.2 Mount Inspector: it enumerates
// live mounts via the kernel's mount table (golang.org/x/sys/unix's
// Stat/Statfs, the teacher's direct dependency, plus
// /proc/self/mountinfo as the Linux equivalent of getfsstat), classifies
// them network vs local, and matches them against configured shares.
// Every boolean/record query is cached for 5s keyed by canonicalized
// path; Clear drops the cache, which the Coordinator calls on every
// VPN/interface-change signal per §9's stale-cache-interactions note.
package inspect

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// Inspector is the §4.2 contract.
type Inspector interface {
	IsMountPoint(ctx context.Context, path string) (bool, error)
	IsNetworkMount(ctx context.Context, path string) (bool, error)
	GetMountInfo(ctx context.Context, path string) (*share.MountRecord, error)
	ListAllMounts(ctx context.Context) ([]share.MountRecord, error)
	FindMount(ctx context.Context, server, shareName string) (*share.MountRecord, error)
	Clear()
}

const cacheTTL = 5 * time.Second

type cacheEntry struct {
	record  *share.MountRecord
	queried time.Time
}

// UnixInspector is the production Inspector, backed by
// /proc/self/mountinfo and unix.Stat.
type UnixInspector struct {
	mu    sync.Mutex
	cache map[string]cacheEntry

	// mountInfoPath is overridable in tests.
	mountInfoPath string
}

// NewUnixInspector returns an Inspector reading the real
// /proc/self/mountinfo.
func NewUnixInspector() *UnixInspector {
	return &UnixInspector{cache: make(map[string]cacheEntry), mountInfoPath: "/proc/self/mountinfo"}
}

// NewUnixInspectorWithMountInfoPath is used by tests to point at a
// synthetic mountinfo file instead of the real kernel table.
func NewUnixInspectorWithMountInfoPath(path string) *UnixInspector {
	return &UnixInspector{cache: make(map[string]cacheEntry), mountInfoPath: path}
}

// Clear drops the entire cache.
func (u *UnixInspector) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cache = make(map[string]cacheEntry)
}

func (u *UnixInspector) cached(path string) (*share.MountRecord, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.cache[path]
	if !ok || time.Since(e.queried) > cacheTTL {
		return nil, false
	}
	return e.record, true
}

func (u *UnixInspector) store(path string, rec *share.MountRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cache[path] = cacheEntry{record: rec, queried: time.Now()}
}

// parseMountInfo parses the Linux /proc/<pid>/mountinfo format
// documented in proc(5): fields are space-separated, with a "-"
// separator before the fstype/source/superblock-options trailer.
func parseMountInfo(r *bufio.Scanner) ([]share.MountRecord, error) {
	var out []share.MountRecord
	for r.Scan() {
		line := r.Text()
		fields := strings.Fields(line)
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+3 >= len(fields) {
			continue
		}
		mountPoint := fields[4]
		fsType := fields[sepIdx+1]
		source := fields[sepIdx+2]
		superOpts := fields[sepIdx+3]
		mountOpts := fields[5]

		ro := strings.Contains(mountOpts, "ro") && !strings.Contains(mountOpts, "rw")
		if strings.Contains(superOpts, "ro") && !strings.Contains(superOpts, "rw") {
			ro = true
		}
		// mountinfo carries no independent "local" flag (the real
		// getfsstat/statfs MNT_LOCAL bit this mirrors); fstype is the
		// only signal available, so IsLocal is derived from the same
		// network-fstype set MountRecord.IsNetwork checks.
		rec := share.MountRecord{
			MountPoint: unescapeOctal(mountPoint),
			Source:     unescapeOctal(source),
			FSType:     fsType,
			IsReadOnly: ro,
			IsLocal:    !share.IsNetworkFSType(fsType),
		}
		out = append(out, rec)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// unescapeOctal reverses the \040-style octal escaping mountinfo uses
// for spaces, tabs, and backslashes in paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ListAllMounts enumerates every entry in /proc/self/mountinfo.
func (u *UnixInspector) ListAllMounts(_ context.Context) ([]share.MountRecord, error) {
	f, err := os.Open(u.mountInfoPath)
	if err != nil {
		return nil, fmt.Errorf("inspect: open %s: %w", u.mountInfoPath, err)
	}
	defer f.Close()
	return parseMountInfo(bufio.NewScanner(f))
}

// GetMountInfo returns the mountinfo record whose mount point
// canonicalizes to path, or nil if none.
func (u *UnixInspector) GetMountInfo(ctx context.Context, path string) (*share.MountRecord, error) {
	canon := canonicalize(path)
	if rec, ok := u.cached(canon); ok {
		return rec, nil
	}

	all, err := u.ListAllMounts(ctx)
	if err != nil {
		return nil, err
	}
	var found *share.MountRecord
	for i := range all {
		if canonicalize(all[i].MountPoint) == canon {
			r := all[i]
			found = &r
		}
	}
	u.store(canon, found)
	return found, nil
}

func canonicalize(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

// IsMountPoint compares stat(path).Dev with stat(parent).Dev (different
// device ⇒ mount point) and double-checks against the mountinfo table,
// per §4.2's algorithm.
func (u *UnixInspector) IsMountPoint(ctx context.Context, path string) (bool, error) {
	canon := canonicalize(path)

	var st, parentSt unix.Stat_t
	if err := unix.Stat(canon, &st); err != nil {
		return false, nil //nolint: nilerr // a path that doesn't exist is simply not a mount point
	}
	parent := filepath.Dir(canon)
	if err := unix.Stat(parent, &parentSt); err != nil {
		return false, fmt.Errorf("inspect: stat parent %s: %w", parent, err)
	}
	if st.Dev == parentSt.Dev {
		return false, nil
	}

	rec, err := u.GetMountInfo(ctx, canon)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// IsNetworkMount reports whether path is both a mount point and a
// network mount per MountRecord.IsNetwork.
func (u *UnixInspector) IsNetworkMount(ctx context.Context, path string) (bool, error) {
	rec, err := u.GetMountInfo(ctx, path)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.IsNetwork(), nil
}

// FindMount lowercases both the mount's Source and the (server, share)
// tokens and requires both to appear as substrings of Source — §4.2
// calls this "intentionally permissive because source formatting
// differs across protocols" (e.g. "//user@host/share" vs "host:/share").
func (u *UnixInspector) FindMount(ctx context.Context, server, shareName string) (*share.MountRecord, error) {
	all, err := u.ListAllMounts(ctx)
	if err != nil {
		return nil, err
	}
	server = strings.ToLower(server)
	shareName = strings.ToLower(shareName)
	for i := range all {
		src := strings.ToLower(all[i].Source)
		if strings.Contains(src, server) && strings.Contains(src, shareName) {
			r := all[i]
			return &r, nil
		}
	}
	return nil, nil
}

var _ Inspector = (*UnixInspector)(nil)
