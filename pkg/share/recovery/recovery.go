// Package recovery implements §4.9 Crash-Recovery: a startup record in
// a process-wide key-value store (here, a small JSON marker file on the
// same afero.Fs the Mount Driver uses) detects an unclean prior
// shutdown; if found, every expected mount path is tested by directory
// enumeration and force-unmounted if it exists but fails.
package recovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// Unmounter is the subset of mountdrv.Driver recovery needs.
type Unmounter interface {
	Unmount(ctx context.Context, mountPath string) error
}

// record is the on-disk startup marker. Its presence at process start
// means the prior instance never reached Clear.
type record struct {
	StartedAt time.Time `json:"startedAt"`
	PID       int       `json:"pid"`
}

// Recovery owns the startup-record file and the force-unmount sweep.
type Recovery struct {
	fs      afero.Fs
	path    string
	unmount Unmounter
}

// New builds a Recovery whose marker file lives at path on fs.
func New(fs afero.Fs, path string, unmount Unmounter) *Recovery {
	return &Recovery{fs: fs, path: path, unmount: unmount}
}

// Run performs the full §4.9 sequence: if a stale record is present,
// sweep every configured share's effective mount path, force-unmounting
// any that exist but fail enumeration; then write a fresh record either
// way. home is used to resolve EffectiveMountPath for shares with no
// explicit MountPath.
func (r *Recovery) Run(ctx context.Context, cfgs []share.ShareConfig, home string) error {
	dirty, err := afero.Exists(r.fs, r.path)
	if err != nil {
		return fmt.Errorf("recovery: checking startup record: %w", err)
	}

	if dirty {
		dlog.Warnf(ctx, "recovery: startup record present, prior instance did not shut down cleanly; sweeping mount paths")
		if err := r.sweep(ctx, cfgs, home); err != nil {
			return err
		}
	}

	return r.writeRecord()
}

// Clear removes the startup record; the serve command calls this once
// its goroutine group has returned, just before exiting.
func (r *Recovery) Clear() error {
	if err := r.fs.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("recovery: clearing startup record: %w", err)
	}
	return nil
}

func (r *Recovery) sweep(ctx context.Context, cfgs []share.ShareConfig, home string) error {
	var errs *multierror.Error
	for _, cfg := range cfgs {
		path := cfg.EffectiveMountPath(home)
		exists, err := afero.DirExists(r.fs, path)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recovery: checking %s: %w", path, err))
			continue
		}
		if !exists {
			continue
		}
		if _, err := afero.ReadDir(r.fs, path); err == nil {
			continue // enumerable: a live, healthy mount, leave it alone
		}
		dlog.Warnf(ctx, "recovery: %s exists but cannot be enumerated, force-unmounting", path)
		if err := r.unmount.Unmount(ctx, path); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recovery: force-unmount %s: %w", path, err))
		}
	}
	return errs.ErrorOrNil()
}

func (r *Recovery) writeRecord() error {
	rec := record{StartedAt: time.Now(), PID: os.Getpid()}
	data, err := jsonv2.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recovery: encoding startup record: %w", err)
	}
	if err := afero.WriteFile(r.fs, r.path, data, 0o600); err != nil {
		return fmt.Errorf("recovery: writing startup record: %w", err)
	}
	return nil
}
