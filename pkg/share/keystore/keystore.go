// Package keystore implements the §4.10 Keystore Adapter: credentials
// addressed by (server, username, protocol, port), serialized per actor.
// Two backends are provided: an in-memory adapter for tests and hosts
// without a secret service, and a D-Bus org.freedesktop.secrets adapter
// (godbus/dbus/v5, the teacher's direct dependency) for Linux desktops
// running a Secret Service provider (GNOME Keyring, KWallet via its
// Secret Service shim).
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// ErrNotFound is returned by Read when no credential matches the key.
var ErrNotFound = errors.New("keystore: credential not found")

// ErrDuplicate names the "credential already exists" condition of a
// keychain's add primitive. No Adapter in this package returns it: Write
// replaces an existing credential instead.
var ErrDuplicate = errors.New("keystore: credential already exists")

// Key addresses one credential.
type Key struct {
	Server   string
	Username string
	Protocol share.Protocol
	Port     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s://%s@%s:%d", k.Protocol, k.Username, k.Server, k.Port)
}

// Adapter is the Keystore Adapter contract, §4.10. All operations are
// serialized per actor to remove races under concurrent UI edits; each
// concrete implementation must honor that itself (the in-memory adapter
// and the D-Bus adapter each guard their state with a mutex).
type Adapter interface {
	// Write stores password for key, using update-then-add semantics:
	// if a credential already exists for key it is overwritten; Write
	// never returns ErrDuplicate itself (that is reserved for a
	// lower-level Add primitive some backends expose, not part of this
	// contract) — see the concrete types' Write methods for exactly
	// which keychain primitive they call.
	Write(ctx context.Context, key Key, password string) error
	// Read returns the password for key, or ErrNotFound. A malformed
	// stored entry reports a distinct decode error, never ErrNotFound.
	Read(ctx context.Context, key Key) (string, error)
	// Delete removes the credential for key. Idempotent: deleting an
	// absent key is not an error.
	Delete(ctx context.Context, key Key) error
}

// MemoryAdapter is an in-memory Adapter, used in tests and as the
// fallback when no Secret Service is reachable.
type MemoryAdapter struct {
	mu    sync.Mutex
	store map[Key]string
}

// NewMemoryAdapter returns an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{store: make(map[Key]string)}
}

func (m *MemoryAdapter) Write(_ context.Context, key Key, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = password
	return nil
}

func (m *MemoryAdapter) Read(_ context.Context, key Key) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.store[key]
	if !ok {
		return "", ErrNotFound
	}
	return pw, nil
}

func (m *MemoryAdapter) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}
