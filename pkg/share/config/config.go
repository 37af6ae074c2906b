// Package config implements the §6 Repository external collaborator:
// ShareConfig persistence. The on-disk format is a JSON array encoded
// with go-json-experiment/json (the teacher's carried, stdlib-track
// encoder), and a fsnotify watcher (the teacher's direct dependency)
// lets a separate `sharewatchd share add/rm/...` CLI invocation's edits
// be picked up by the running daemon as UserInitiated events without a
// control RPC (see SPEC_FULL.md §2's dropped-grpc justification).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"

	"github.com/datawire/dlib/dlog"
	"github.com/fsnotify/fsnotify"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// Repository is the §6 external-collaborator contract. The core only
// ever calls these methods; the serialization format is opaque to it.
type Repository interface {
	FetchAll(ctx context.Context) ([]share.ShareConfig, error)
	SaveAll(ctx context.Context, cfgs []share.ShareConfig) error
	Save(ctx context.Context, cfg share.ShareConfig) error
	Delete(ctx context.Context, id string) error
}

// ChangeNotifier is implemented by repositories that can tell the
// Coordinator "something on disk changed outside of this process",
// distinct from the in-process Save/Delete calls the Coordinator itself
// makes.
type ChangeNotifier interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// FileRepository is a JSON-file-backed Repository with a fsnotify watch
// on its own file, so edits from another invocation of the CLI (acting
// on the same file) are observed.
type FileRepository struct {
	mu   sync.Mutex
	path string
}

// NewFileRepository returns a FileRepository backed by path. The parent
// directory is created if missing.
func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("config: create config dir: %w", err)
	}
	return &FileRepository{path: path}, nil
}

func (f *FileRepository) FetchAll(_ context.Context) ([]share.ShareConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *FileRepository) readLocked() ([]share.ShareConfig, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var cfgs []share.ShareConfig
	if err := jsonv2.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", f.path, err)
	}
	return cfgs, nil
}

func (f *FileRepository) writeLocked(cfgs []share.ShareConfig) error {
	data, err := jsonv2.Marshal(cfgs)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

func (f *FileRepository) SaveAll(_ context.Context, cfgs []share.ShareConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(cfgs)
}

func (f *FileRepository) Save(ctx context.Context, cfg share.ShareConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfgs, err := f.readLocked()
	if err != nil {
		return err
	}
	found := false
	for i := range cfgs {
		if cfgs[i].ID == cfg.ID {
			cfgs[i] = cfg
			found = true
			break
		}
	}
	if !found {
		cfgs = append(cfgs, cfg)
	}
	return f.writeLocked(cfgs)
}

func (f *FileRepository) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfgs, err := f.readLocked()
	if err != nil {
		return err
	}
	out := cfgs[:0]
	for _, c := range cfgs {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return f.writeLocked(out)
}

// Watch starts a fsnotify watch on the repository's file (and its
// parent directory, since editors and atomic renames replace the inode)
// and returns a channel that receives a value each time the file's
// content may have changed. The channel is closed when ctx is done.
func (f *FileRepository) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				dlog.Errorf(ctx, "config: watch error: %v", err)
			}
		}
	}()
	return out, nil
}

var (
	_ Repository     = (*FileRepository)(nil)
	_ ChangeNotifier = (*FileRepository)(nil)
)
